package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rocketopp/ignition/internal/ignition"
)

const logColumns = "id, installation_id, run_id, action_id, action_type, status, input, output, revert_data, error, reverted_at, created_at"

func scanLog(row pgx.Row) (*ignition.LogEntry, error) {
	var e ignition.LogEntry
	var status string
	var inputJSON, outputJSON, revertJSON []byte
	var errText *string
	if err := row.Scan(&e.ID, &e.InstallationID, &e.RunID, &e.ActionID, &e.ActionType,
		&status, &inputJSON, &outputJSON, &revertJSON, &errText, &e.RevertedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = ignition.LogStatus(status)
	if errText != nil {
		e.Error = *errText
	}
	for _, pair := range []struct {
		data []byte
		dst  *map[string]interface{}
	}{
		{inputJSON, &e.Input},
		{outputJSON, &e.Output},
		{revertJSON, &e.RevertData},
	} {
		if len(pair.data) > 0 {
			if err := json.Unmarshal(pair.data, pair.dst); err != nil {
				return nil, fmt.Errorf("decode log payload: %w", err)
			}
		}
	}
	return &e, nil
}

func marshalMaybe(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// InsertLog stores a new execution log row.
func (s *Store) InsertLog(ctx context.Context, e *ignition.LogEntry) error {
	inputJSON, err := marshalMaybe(e.Input)
	if err != nil {
		return fmt.Errorf("encode log input: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO execution_logs (id, installation_id, run_id, action_id, action_type, status, input, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		e.ID, e.InstallationID, e.RunID, e.ActionID, e.ActionType, string(e.Status), inputJSON, e.Error, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", e.ID, err)
	}
	return nil
}

// UpdateLog writes the mutable run-time fields of a log row: status, output,
// revert data, error. Identity and input are immutable after insert.
func (s *Store) UpdateLog(ctx context.Context, e *ignition.LogEntry) error {
	outputJSON, err := marshalMaybe(e.Output)
	if err != nil {
		return fmt.Errorf("encode log output: %w", err)
	}
	revertJSON, err := marshalMaybe(e.RevertData)
	if err != nil {
		return fmt.Errorf("encode revert data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE execution_logs
		SET status = $1, output = $2, revert_data = $3, error = NULLIF($4, '')
		WHERE id = $5`,
		string(e.Status), outputJSON, revertJSON, e.Error, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update log %s: %w", e.ID, err)
	}
	return nil
}

// GetLog retrieves one execution log row.
func (s *Store) GetLog(ctx context.Context, id string) (*ignition.LogEntry, error) {
	e, err := scanLog(s.db.QueryRow(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ignition.ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get log %s: %w", id, err)
	}
	return e, nil
}

// ListLogs returns recent log rows for an installation, newest first.
func (s *Store) ListLogs(ctx context.Context, installationID string, limit int) ([]*ignition.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+logColumns+`
		 FROM execution_logs
		 WHERE installation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, installationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*ignition.LogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestRevertTarget returns the id of the newest completed, unreverted log
// row of an installation, the only entry the rollback policy allows.
func (s *Store) LatestRevertTarget(ctx context.Context, installationID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM execution_logs
		WHERE installation_id = $1 AND status = 'completed' AND reverted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, installationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ignition.ErrLogNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest revert target: %w", err)
	}
	return id, nil
}

// ClaimRevert sets reverted_at iff it is still null, reporting whether this
// caller won. The conditional update is what makes double reverts safe.
func (s *Store) ClaimRevert(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE execution_logs SET reverted_at = $1
		WHERE id = $2 AND reverted_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("claim revert %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRevert clears a revert claim after the inverse operation failed.
func (s *Store) ReleaseRevert(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE execution_logs SET reverted_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release revert %s: %w", id, err)
	}
	return nil
}
