package ignition

import (
	"context"
	"errors"
	"time"
)

// LogStatus is the lifecycle state of one executed action.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogRunning   LogStatus = "running"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
)

// LogEntry is the durable record of one action within a run. Rows are
// append-only; the single later mutation is the one-time reverted_at claim.
type LogEntry struct {
	ID             string                 `json:"id"`
	InstallationID string                 `json:"installation_id"`
	RunID          string                 `json:"run_id"`
	ActionID       string                 `json:"action_id"`
	ActionType     string                 `json:"action_type"`
	Status         LogStatus              `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	RevertData     map[string]interface{} `json:"revert_data,omitempty"`
	Error          string                 `json:"error,omitempty"`
	RevertedAt     *time.Time             `json:"reverted_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ErrLogNotFound is returned when a referenced log entry does not exist.
var ErrLogNotFound = errors.New("execution log entry not found")

// LogStore is the persistence surface for execution logs. ClaimRevert must be
// atomic: it sets reverted_at only when it is still null and reports whether
// this caller won the claim.
type LogStore interface {
	InsertLog(ctx context.Context, entry *LogEntry) error
	UpdateLog(ctx context.Context, entry *LogEntry) error
	GetLog(ctx context.Context, id string) (*LogEntry, error)
	ListLogs(ctx context.Context, installationID string, limit int) ([]*LogEntry, error)
	LatestRevertTarget(ctx context.Context, installationID string) (string, error)
	ClaimRevert(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseRevert(ctx context.Context, id string) error
}
