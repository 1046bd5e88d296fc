package install

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/manifest"
)

// Store is the persistence surface the installation service needs.
// Update is compare-and-swap on Installation.Version and must return
// ErrVersionConflict when the row moved underneath the caller.
type Store interface {
	GetSkill(ctx context.Context, id string) (*catalog.Skill, error)
	GetInstallation(ctx context.Context, id string) (*Installation, error)
	ListInstallationsForUser(ctx context.Context, userID string) ([]*Installation, error)
	InsertInstallation(ctx context.Context, inst *Installation) error
	UpdateInstallation(ctx context.Context, inst *Installation) error
}

// Service owns the installation lifecycle: install, onboarding, config
// updates, pause/resume, uninstall. Every by-id operation verifies ownership.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates an installation service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// NewInstallation builds an installation row for a skill, deciding the initial
// post-install status from the manifest's onboarding requirements. Exposed so
// the import path can create installations inside its own transaction.
func NewInstallation(userID string, skill *catalog.Skill, config map[string]interface{}) *Installation {
	if config == nil {
		config = make(map[string]interface{})
	}
	now := time.Now().UTC()
	inst := &Installation{
		ID:        uuid.New().String(),
		UserID:    userID,
		SkillID:   skill.ID,
		Config:    config,
		Status:    StatusInstalling,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inst.Status = postInstallStatus(skill.Manifest, config)
	return inst
}

func postInstallStatus(m *manifest.Manifest, config map[string]interface{}) Status {
	if manifest.ComputeOnboarding(m, config).Complete {
		return StatusActive
	}
	return StatusOnboarding
}

// Install creates an installation of skillID for userID. The installation
// starts in onboarding unless every required field is already satisfied by
// the supplied config.
func (s *Service) Install(ctx context.Context, userID, skillID string, config map[string]interface{}) (*Installation, error) {
	skill, err := s.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}

	inst := NewInstallation(userID, skill, config)
	if err := s.store.InsertInstallation(ctx, inst); err != nil {
		return nil, fmt.Errorf("insert installation: %w", err)
	}
	s.logger.Info("skill installed",
		zap.String("installation", inst.ID),
		zap.String("skill", skill.Slug),
		zap.String("user", userID),
		zap.String("status", string(inst.Status)))
	return inst, nil
}

// Get loads an installation and verifies the caller owns it. Uninstalled
// rows are reported as not found.
func (s *Service) Get(ctx context.Context, userID, id string) (*Installation, error) {
	inst, err := s.store.GetInstallation(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, ErrNotOwner
	}
	if inst.Status == StatusUninstalled {
		return nil, ErrNotFound
	}
	return inst, nil
}

// ListForUser returns the caller's installations, uninstalled ones excluded.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Installation, error) {
	return s.store.ListInstallationsForUser(ctx, userID)
}

// Skill resolves the catalog entry behind an installation.
func (s *Service) Skill(ctx context.Context, inst *Installation) (*catalog.Skill, error) {
	return s.store.GetSkill(ctx, inst.SkillID)
}

// OnboardingStatus recomputes onboarding progress for an installation.
func (s *Service) OnboardingStatus(ctx context.Context, userID, id string) (*manifest.OnboardingStatus, error) {
	inst, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	skill, err := s.store.GetSkill(ctx, inst.SkillID)
	if err != nil {
		return nil, err
	}
	st := manifest.ComputeOnboarding(skill.Manifest, inst.Config)
	return &st, nil
}

// SaveOnboarding merges submitted onboarding data into the installation
// config. Partial submissions accumulate across calls; once every required
// field is present the installation flips to active. Re-submitting a complete
// field set is a no-op for status: active never regresses to onboarding.
func (s *Service) SaveOnboarding(ctx context.Context, userID, id string, data map[string]interface{}) (*Installation, []manifest.Issue, error) {
	return s.mergeConfig(ctx, userID, id, data)
}

// UpdateConfig merges a config update into the installation. Validation and
// status rules are the same as onboarding submission: the config must satisfy
// the manifest's schema for the installation to be (or stay) active.
func (s *Service) UpdateConfig(ctx context.Context, userID, id string, config map[string]interface{}) (*Installation, []manifest.Issue, error) {
	return s.mergeConfig(ctx, userID, id, config)
}

func (s *Service) mergeConfig(ctx context.Context, userID, id string, data map[string]interface{}) (*Installation, []manifest.Issue, error) {
	// One retry on CAS conflict: reload and re-merge. Merge writes commute,
	// so losing the first attempt only costs a round trip.
	for attempt := 0; ; attempt++ {
		inst, err := s.Get(ctx, userID, id)
		if err != nil {
			return nil, nil, err
		}
		skill, err := s.store.GetSkill(ctx, inst.SkillID)
		if err != nil {
			return nil, nil, err
		}

		if issues := manifest.ValidateOnboardingData(skill.Manifest, data); manifest.HasErrors(issues) {
			return nil, issues, nil
		}

		for k, v := range data {
			inst.Config[k] = v
		}
		if inst.Status == StatusOnboarding && manifest.ComputeOnboarding(skill.Manifest, inst.Config).Complete {
			inst.Status = StatusActive
		}
		inst.UpdatedAt = time.Now().UTC()

		err = s.store.UpdateInstallation(ctx, inst)
		if err == nil {
			return inst, nil, nil
		}
		if err == ErrVersionConflict && attempt == 0 {
			continue
		}
		return nil, nil, fmt.Errorf("update installation: %w", err)
	}
}

// Pause suspends an active installation. Execution refuses paused
// installations.
func (s *Service) Pause(ctx context.Context, userID, id string) (*Installation, error) {
	return s.transition(ctx, userID, id, StatusActive, StatusPaused)
}

// Resume reactivates a paused installation.
func (s *Service) Resume(ctx context.Context, userID, id string) (*Installation, error) {
	return s.transition(ctx, userID, id, StatusPaused, StatusActive)
}

func (s *Service) transition(ctx context.Context, userID, id string, from, to Status) (*Installation, error) {
	inst, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != from {
		return nil, stateErr("cannot move from %s to %s", inst.Status, to)
	}
	inst.Status = to
	inst.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateInstallation(ctx, inst); err != nil {
		return nil, fmt.Errorf("update installation: %w", err)
	}
	s.logger.Info("installation status changed",
		zap.String("installation", id), zap.String("status", string(to)))
	return inst, nil
}

// Uninstall soft-deletes an installation. Execution logs keep their rows.
func (s *Service) Uninstall(ctx context.Context, userID, id string) error {
	inst, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	inst.Status = StatusUninstalled
	inst.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateInstallation(ctx, inst); err != nil {
		return fmt.Errorf("update installation: %w", err)
	}
	s.logger.Info("skill uninstalled", zap.String("installation", id))
	return nil
}
