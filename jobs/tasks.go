package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireAssignments deactivates role assignments whose expiry passed.
	TaskExpireAssignments = "rbac:expire_assignments"
)

// ExpireAssignmentsPayload describes who requested a sweep.
type ExpireAssignmentsPayload struct {
	Source string `json:"source"`
}

// NewExpireAssignmentsTask constructs an Asynq task for the expiry sweep.
func NewExpireAssignmentsTask(source string) (*asynq.Task, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "cron"
	}
	data, err := json.Marshal(ExpireAssignmentsPayload{Source: source})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode expire payload: %w", err)
	}
	return asynq.NewTask(TaskExpireAssignments, data), nil
}
