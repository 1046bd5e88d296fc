package ignition

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/install"
)

// InstallationGetter resolves installations for ownership checks.
type InstallationGetter interface {
	GetInstallation(ctx context.Context, id string) (*install.Installation, error)
}

// RevertCheck is the answer to "can this log entry be reverted".
type RevertCheck struct {
	CanRevert bool   `json:"can_revert"`
	Reason    string `json:"reason,omitempty"`
}

// Rollback validates and applies reverts of past actions. The policy is
// conservative: only the most recent completed, unreverted entry of an
// installation may be reverted, since no dependency tracking exists between
// log entries.
type Rollback struct {
	logs     LogStore
	insts    InstallationGetter
	registry *Registry
	logger   *zap.Logger
}

// NewRollback creates a rollback service.
func NewRollback(logs LogStore, insts InstallationGetter, registry *Registry, logger *zap.Logger) *Rollback {
	return &Rollback{logs: logs, insts: insts, registry: registry, logger: logger}
}

// load fetches the entry and verifies the caller owns its installation.
func (r *Rollback) load(ctx context.Context, userID, logID string) (*LogEntry, error) {
	entry, err := r.logs.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	inst, err := r.insts.GetInstallation(ctx, entry.InstallationID)
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, install.ErrNotOwner
	}
	return entry, nil
}

// CanRevert checks whether a log entry is revertible by the caller.
func (r *Rollback) CanRevert(ctx context.Context, userID, logID string) (*RevertCheck, error) {
	entry, err := r.load(ctx, userID, logID)
	if err != nil {
		return nil, err
	}
	return r.check(ctx, entry)
}

func (r *Rollback) check(ctx context.Context, entry *LogEntry) (*RevertCheck, error) {
	if entry.Status != LogCompleted {
		return &RevertCheck{Reason: fmt.Sprintf("entry is %s, only completed actions can be reverted", entry.Status)}, nil
	}
	if entry.RevertedAt != nil {
		return &RevertCheck{Reason: "entry was already reverted"}, nil
	}
	if len(entry.RevertData) == 0 {
		return &RevertCheck{Reason: "action left no revert data"}, nil
	}
	handler, ok := r.registry.Get(entry.ActionType)
	if !ok || !handler.Reversible() {
		return &RevertCheck{Reason: fmt.Sprintf("action type %q is not reversible", entry.ActionType)}, nil
	}

	latest, err := r.logs.LatestRevertTarget(ctx, entry.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("find latest revert target: %w", err)
	}
	if latest != entry.ID {
		return &RevertCheck{Reason: "not most recent"}, nil
	}
	return &RevertCheck{CanRevert: true}, nil
}

// Revert undoes the side effect of a past action. The reverted_at claim is
// taken before the inverse is applied, so a concurrent second revert of the
// same entry loses the claim and fails without double-applying; if the
// inverse itself fails the claim is released.
func (r *Rollback) Revert(ctx context.Context, userID, logID string) error {
	entry, err := r.load(ctx, userID, logID)
	if err != nil {
		return err
	}
	check, err := r.check(ctx, entry)
	if err != nil {
		return err
	}
	if !check.CanRevert {
		return &install.StateError{Reason: check.Reason}
	}

	claimed, err := r.logs.ClaimRevert(ctx, logID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim revert: %w", err)
	}
	if !claimed {
		return &install.StateError{Reason: "entry was already reverted"}
	}

	handler, _ := r.registry.Get(entry.ActionType)
	if err := handler.Revert(ctx, entry.RevertData); err != nil {
		if relErr := r.logs.ReleaseRevert(ctx, logID); relErr != nil {
			r.logger.Error("release revert claim", zap.String("log", logID), zap.Error(relErr))
		}
		return fmt.Errorf("revert %s action: %w", entry.ActionType, err)
	}

	r.logger.Info("action reverted",
		zap.String("log", logID),
		zap.String("action", entry.ActionID),
		zap.String("type", entry.ActionType))
	return nil
}
