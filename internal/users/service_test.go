package users

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

func newMockRepository() *mockRepository {
	return &mockRepository{nextID: 1, users: make(map[int64]User)}
}

func (m *mockRepository) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for id := int64(1); id < m.nextID; id++ {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepository) GetUser(ctx context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *mockRepository) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == in.Email {
			return User{}, ErrEmailTaken
		}
	}
	now := time.Now()
	u := User{ID: m.nextID, Email: in.Email, Name: in.Name, IsActive: true, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	m.nextID++
	return u, nil
}

func TestService_CreateUser(t *testing.T) {
	svc := NewService(newMockRepository())
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, CreateUserInput{Email: "  dana@example.com ", Name: " Dana "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "dana@example.com", u.Email)
	assert.Equal(t, "Dana", u.Name)

	_, err = svc.CreateUser(ctx, CreateUserInput{Email: "dana@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.CreateUser(ctx, CreateUserInput{Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateUser(ctx, CreateUserInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_GetUser(t *testing.T) {
	svc := NewService(newMockRepository())
	ctx := context.Background()

	_, err := svc.GetUser(ctx, 0)
	assert.ErrorIs(t, err, ErrUserNotFound)

	created, err := svc.CreateUser(ctx, CreateUserInput{Email: "ops@example.com"})
	require.NoError(t, err)

	got, err := svc.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	list, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
