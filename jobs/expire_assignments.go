package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rbac/internal/jobs"
)

const expireJobName = "rbac_expire_assignments"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AssignmentSweeper persists assignment expiry.
type AssignmentSweeper interface {
	ExpireAssignments(ctx context.Context) (int64, error)
}

// ExpireAssignmentsJob flips expired active assignments to inactive.
type ExpireAssignmentsJob struct {
	Sweeper AssignmentSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewExpireAssignmentsJob wires dependencies for the sweep handler.
func NewExpireAssignmentsJob(sweeper AssignmentSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpireAssignmentsJob {
	return &ExpireAssignmentsJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle processes TaskExpireAssignments tasks.
func (j *ExpireAssignmentsJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("expire assignments: handler not configured")
	}
	var payload ExpireAssignmentsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("expire assignments: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(expireJobName)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("source", payload.Source))
	n, err := j.Sweeper.ExpireAssignments(ctx)
	if err != nil {
		logger.Error("rbac expiry sweep failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddExpired(n)
	if n > 0 {
		logger.Info("rbac expiry sweep deactivated assignments", slog.Int64("count", n))
	} else {
		logger.Debug("rbac expiry sweep found nothing to expire")
	}
	return nil
}

func (j *ExpireAssignmentsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *ExpireAssignmentsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
