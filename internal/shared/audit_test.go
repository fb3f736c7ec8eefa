package shared

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  string
	args []any
}

func (e *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	e.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestAuditLogger_Record(t *testing.T) {
	db := &recordingExecer{}
	logger := NewAuditLogger(db)
	at := time.Date(2026, 5, 4, 14, 0, 0, 0, time.FixedZone("WIB", 7*3600))

	err := logger.Record(context.Background(), AuditLog{ActorID: 1, Action: "rbac.assignment.create", Entity: "actor", EntityID: "42", At: at})
	require.NoError(t, err)
	assert.Contains(t, db.sql, "INSERT INTO audit_logs")
	require.Len(t, db.args, 6)
	assert.Equal(t, []byte(`{}`), db.args[4])
	assert.Equal(t, time.UTC, db.args[5].(time.Time).Location())
	assert.True(t, at.Equal(db.args[5].(time.Time)))
}

func TestAuditLogger_Invalid(t *testing.T) {
	db := &recordingExecer{}
	err := NewAuditLogger(db).Record(context.Background(), AuditLog{Action: "rbac.role.create"})
	assert.ErrorIs(t, err, ErrInvalidAuditLog)
	assert.Empty(t, db.sql)

	var nilLogger *AuditLogger
	assert.Error(t, nilLogger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"}))
}
