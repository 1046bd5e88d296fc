// Package storetest provides an in-memory implementation of the persistence
// surfaces, for tests that don't want a database container.
package storetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rocketopp/ignition/internal/auth"
	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
)

// Mem is an in-memory store. It implements the consumer-side store
// interfaces of the install, pack, ignition, catalog, and auth packages.
type Mem struct {
	mu       sync.Mutex
	skills   map[string]*catalog.Skill
	files    map[string]map[string]string
	installs map[string]*install.Installation
	logs     []*ignition.LogEntry
	sessions map[string]*auth.Session
}

// New creates an empty in-memory store.
func New() *Mem {
	return &Mem{
		skills:   make(map[string]*catalog.Skill),
		files:    make(map[string]map[string]string),
		installs: make(map[string]*install.Installation),
		sessions: make(map[string]*auth.Session),
	}
}

// --- skills ---

func (m *Mem) GetSkill(_ context.Context, id string) (*catalog.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk, ok := m.skills[id]
	if !ok {
		return nil, install.ErrSkillNotFound
	}
	return sk, nil
}

func (m *Mem) FindSkillVersion(_ context.Context, slug, version string) (*catalog.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sk := range m.skills {
		if sk.Slug == slug && sk.Version == version {
			return sk, nil
		}
	}
	return nil, install.ErrSkillNotFound
}

func (m *Mem) ImportSkill(_ context.Context, sk *catalog.Skill, files map[string]string, inst *install.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[sk.ID] = sk
	m.files[sk.ID] = files
	if inst != nil {
		m.installs[inst.ID] = cloneInstallation(inst)
	}
	return nil
}

func (m *Mem) GetSkillFiles(_ context.Context, skillID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.skills[skillID]; !ok {
		return nil, install.ErrSkillNotFound
	}
	return m.files[skillID], nil
}

func (m *Mem) ListSkills(_ context.Context, q catalog.Query) ([]*catalog.Skill, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[string]*catalog.Skill)
	for _, sk := range m.skills {
		if q.Category != "" && sk.Category != q.Category {
			continue
		}
		if q.Search != "" &&
			!strings.Contains(strings.ToLower(sk.Name), strings.ToLower(q.Search)) &&
			!strings.Contains(strings.ToLower(sk.Slug), strings.ToLower(q.Search)) {
			continue
		}
		if cur, ok := latest[sk.Slug]; !ok || sk.CreatedAt.After(cur.CreatedAt) {
			latest[sk.Slug] = sk
		}
	}

	var all []*catalog.Skill
	for _, sk := range latest {
		all = append(all, sk)
	}
	total := len(all)
	start := (q.Page - 1) * q.PerPage
	if start > total {
		start = total
	}
	end := start + q.PerPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *Mem) CountCategories(_ context.Context) ([]catalog.CategoryCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slugs := make(map[string]map[string]bool)
	for _, sk := range m.skills {
		if slugs[sk.Category] == nil {
			slugs[sk.Category] = make(map[string]bool)
		}
		slugs[sk.Category][sk.Slug] = true
	}
	var out []catalog.CategoryCount
	for cat, s := range slugs {
		out = append(out, catalog.CategoryCount{Category: cat, Count: len(s)})
	}
	return out, nil
}

// --- installations ---

func cloneInstallation(inst *install.Installation) *install.Installation {
	c := *inst
	c.Config = make(map[string]interface{}, len(inst.Config))
	for k, v := range inst.Config {
		c.Config[k] = v
	}
	return &c
}

func (m *Mem) GetInstallation(_ context.Context, id string) (*install.Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installs[id]
	if !ok {
		return nil, install.ErrNotFound
	}
	return cloneInstallation(inst), nil
}

func (m *Mem) ListInstallationsForUser(_ context.Context, userID string) ([]*install.Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*install.Installation
	for _, inst := range m.installs {
		if inst.UserID == userID && inst.Status != install.StatusUninstalled {
			out = append(out, cloneInstallation(inst))
		}
	}
	return out, nil
}

func (m *Mem) InsertInstallation(_ context.Context, inst *install.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs[inst.ID] = cloneInstallation(inst)
	return nil
}

func (m *Mem) UpdateInstallation(_ context.Context, inst *install.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.installs[inst.ID]
	if !ok {
		return install.ErrNotFound
	}
	if cur.Version != inst.Version {
		return install.ErrVersionConflict
	}
	inst.Version++
	m.installs[inst.ID] = cloneInstallation(inst)
	return nil
}

// --- execution logs ---

func (m *Mem) InsertLog(_ context.Context, e *ignition.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.logs = append(m.logs, &c)
	return nil
}

func (m *Mem) UpdateLog(_ context.Context, e *ignition.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.logs {
		if cur.ID == e.ID {
			cur.Status = e.Status
			cur.Output = e.Output
			cur.RevertData = e.RevertData
			cur.Error = e.Error
			return nil
		}
	}
	return ignition.ErrLogNotFound
}

func (m *Mem) GetLog(_ context.Context, id string) (*ignition.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.logs {
		if cur.ID == id {
			c := *cur
			return &c, nil
		}
	}
	return nil, ignition.ErrLogNotFound
}

func (m *Mem) ListLogs(_ context.Context, installationID string, limit int) ([]*ignition.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*ignition.LogEntry
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].InstallationID == installationID {
			c := *m.logs[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Mem) LatestRevertTarget(_ context.Context, installationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if e.InstallationID == installationID && e.Status == ignition.LogCompleted && e.RevertedAt == nil {
			return e.ID, nil
		}
	}
	return "", ignition.ErrLogNotFound
}

func (m *Mem) ClaimRevert(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.logs {
		if cur.ID == id {
			if cur.RevertedAt != nil {
				return false, nil
			}
			cur.RevertedAt = &at
			return true, nil
		}
	}
	return false, ignition.ErrLogNotFound
}

func (m *Mem) ReleaseRevert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.logs {
		if cur.ID == id {
			cur.RevertedAt = nil
			return nil
		}
	}
	return ignition.ErrLogNotFound
}

// --- sessions ---

func (m *Mem) GetSession(_ context.Context, token string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, auth.ErrNoSession
	}
	return s, nil
}

// AddSession registers a session token for tests.
func (m *Mem) AddSession(token string, s *auth.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = s
}
