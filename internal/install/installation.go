package install

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a skill installation.
type Status string

const (
	StatusInstalling  Status = "installing"
	StatusOnboarding  Status = "onboarding"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusUninstalled Status = "uninstalled"
)

// Installation binds one user to one skill, with their configuration.
// Uninstall is a soft delete: execution logs keep referencing the row.
type Installation struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	SkillID   string                 `json:"skill_id"`
	Config    map[string]interface{} `json:"config"`
	Status    Status                 `json:"status"`
	Version   int                    `json:"-"` // optimistic-concurrency counter
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

var (
	ErrNotFound        = errors.New("installation not found")
	ErrSkillNotFound   = errors.New("skill not found")
	ErrNotOwner        = errors.New("installation belongs to another user")
	ErrVersionConflict = errors.New("installation was modified concurrently")
)

// StateError reports an operation that is invalid for the installation's
// current status. Reason is surfaced verbatim to the caller.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }

func stateErr(format string, args ...interface{}) error {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}
