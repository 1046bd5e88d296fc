package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/manifest"
)

func scanSkill(row pgx.Row) (*catalog.Skill, error) {
	var sk catalog.Skill
	var manifestJSON []byte
	if err := row.Scan(&sk.ID, &sk.Slug, &sk.Name, &sk.Version, &sk.Category, &manifestJSON, &sk.CreatedAt); err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	sk.Manifest = &m
	return &sk, nil
}

const skillColumns = "id, slug, name, version, category, manifest, created_at"

// GetSkill retrieves one catalog entry by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*catalog.Skill, error) {
	sk, err := scanSkill(s.db.QueryRow(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, install.ErrSkillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s: %w", id, err)
	}
	return sk, nil
}

// FindSkillVersion retrieves a catalog entry by slug and version.
func (s *Store) FindSkillVersion(ctx context.Context, slug, version string) (*catalog.Skill, error) {
	sk, err := scanSkill(s.db.QueryRow(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE slug = $1 AND version = $2`, slug, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, install.ErrSkillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find skill %s@%s: %w", slug, version, err)
	}
	return sk, nil
}

// ImportSkill persists a skill, its files, and an optional auto-install
// installation in one transaction.
func (s *Store) ImportSkill(ctx context.Context, sk *catalog.Skill, files map[string]string, inst *install.Installation) error {
	manifestJSON, err := json.Marshal(sk.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO skills (id, slug, name, version, category, manifest, files, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sk.ID, sk.Slug, sk.Name, sk.Version, sk.Category, manifestJSON, filesJSON, sk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert skill %s: %w", sk.Slug, err)
	}

	if inst != nil {
		configJSON, err := json.Marshal(inst.Config)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO skill_installations (id, user_id, skill_id, config, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			inst.ID, inst.UserID, inst.SkillID, configJSON, string(inst.Status), inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert installation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import tx: %w", err)
	}
	return nil
}

// GetSkillFiles returns the auxiliary files stored with a skill.
func (s *Store) GetSkillFiles(ctx context.Context, skillID string) (map[string]string, error) {
	var filesJSON []byte
	err := s.db.QueryRow(ctx, `SELECT files FROM skills WHERE id = $1`, skillID).Scan(&filesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, install.ErrSkillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get skill files %s: %w", skillID, err)
	}
	var files map[string]string
	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &files); err != nil {
			return nil, fmt.Errorf("decode skill files: %w", err)
		}
	}
	return files, nil
}

// ListSkills returns one marketplace page: the newest version of each slug,
// filtered by category and substring search, newest first.
func (s *Store) ListSkills(ctx context.Context, q catalog.Query) ([]*catalog.Skill, int, error) {
	where := `WHERE ($1 = '' OR category = $1)
		AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR slug ILIKE '%' || $2 || '%')`
	latest := `
		SELECT DISTINCT ON (slug) ` + skillColumns + `
		FROM skills ` + where + `
		ORDER BY slug, created_at DESC`

	var total int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM (`+latest+`) latest`, q.Category, q.Search,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count skills: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT * FROM (`+latest+`) latest
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		q.Category, q.Search, q.PerPage, (q.Page-1)*q.PerPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var skills []*catalog.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan skill: %w", err)
		}
		skills = append(skills, sk)
	}
	return skills, total, rows.Err()
}

// CountCategories returns each category with its number of distinct skills.
func (s *Store) CountCategories(ctx context.Context) ([]catalog.CategoryCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT category, COUNT(DISTINCT slug)
		FROM skills
		GROUP BY category
		ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("count categories: %w", err)
	}
	defer rows.Close()

	var out []catalog.CategoryCount
	for rows.Next() {
		var c catalog.CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
