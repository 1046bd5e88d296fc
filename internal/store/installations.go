package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rocketopp/ignition/internal/install"
)

const installationColumns = "id, user_id, skill_id, config, status, version, created_at, updated_at"

func scanInstallation(row pgx.Row) (*install.Installation, error) {
	var inst install.Installation
	var configJSON []byte
	var status string
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.SkillID, &configJSON, &status,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = install.Status(status)
	inst.Config = make(map[string]interface{})
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &inst.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	return &inst, nil
}

// GetInstallation retrieves an installation by id, including uninstalled
// ones; callers decide whether soft-deleted rows are visible.
func (s *Store) GetInstallation(ctx context.Context, id string) (*install.Installation, error) {
	inst, err := scanInstallation(s.db.QueryRow(ctx,
		`SELECT `+installationColumns+` FROM skill_installations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, install.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get installation %s: %w", id, err)
	}
	return inst, nil
}

// ListInstallationsForUser returns a user's installations, uninstalled ones
// excluded, newest first.
func (s *Store) ListInstallationsForUser(ctx context.Context, userID string) ([]*install.Installation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+installationColumns+`
		 FROM skill_installations
		 WHERE user_id = $1 AND status != 'uninstalled'
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close()

	var out []*install.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// InsertInstallation stores a new installation row.
func (s *Store) InsertInstallation(ctx context.Context, inst *install.Installation) error {
	configJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_installations (id, user_id, skill_id, config, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ID, inst.UserID, inst.SkillID, configJSON, string(inst.Status), inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert installation %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateInstallation writes config/status with compare-and-swap on the
// version column. Returns install.ErrVersionConflict when the row moved; on
// success inst.Version is bumped to the stored value.
func (s *Store) UpdateInstallation(ctx context.Context, inst *install.Installation) error {
	configJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE skill_installations
		SET config = $1, status = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		configJSON, string(inst.Status), inst.UpdatedAt, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update installation %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return install.ErrVersionConflict
	}
	inst.Version++
	return nil
}
