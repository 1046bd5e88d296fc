package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/manifest"
)

// maxPackageSize bounds fetched/submitted package documents.
const maxPackageSize = 1 << 20

// Store is the persistence surface for skill import/export. ImportSkill must
// persist the skill and the optional installation in one transaction so a
// failed import leaves nothing behind.
type Store interface {
	GetSkill(ctx context.Context, id string) (*catalog.Skill, error)
	FindSkillVersion(ctx context.Context, slug, version string) (*catalog.Skill, error)
	ImportSkill(ctx context.Context, skill *catalog.Skill, files map[string]string, inst *install.Installation) error
	GetSkillFiles(ctx context.Context, skillID string) (map[string]string, error)
}

// Source identifies where a candidate package comes from: a URL or inline
// document content. Exactly one must be set.
type Source struct {
	URL  string
	Data []byte
}

// Preview is the result of inspecting a package without persisting it.
type Preview struct {
	Valid         bool                   `json:"valid"`
	Manifest      *manifest.Manifest     `json:"manifest,omitempty"`
	Files         []string               `json:"files,omitempty"`
	Compatibility manifest.Compatibility `json:"compatibility"`
	Errors        []string               `json:"errors,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
}

// ImportResult is a successful import.
type ImportResult struct {
	Skill        *catalog.Skill        `json:"skill"`
	Installation *install.Installation `json:"installation,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
}

// ImportError carries the validation findings of a rejected import.
type ImportError struct {
	Errors   []string
	Warnings []string
}

func (e *ImportError) Error() string {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return "import rejected"
}

// Service imports, exports, and templates skill packages.
type Service struct {
	store           Store
	known           func(actionType string) bool
	allowedCaps     func() map[string]bool
	platformVersion string
	invalidate      func(ctx context.Context)
	httpc           *http.Client
	logger          *zap.Logger
}

// NewService creates a package service. known and allowedCaps come from the
// engine's action registry; invalidate drops catalog caches after the
// catalog changes and may be nil.
func NewService(store Store, known func(string) bool, allowedCaps func() map[string]bool, platformVersion string, invalidate func(ctx context.Context), logger *zap.Logger) *Service {
	return &Service{
		store:           store,
		known:           known,
		allowedCaps:     allowedCaps,
		platformVersion: platformVersion,
		invalidate:      invalidate,
		httpc:           &http.Client{Timeout: 15 * time.Second},
		logger:          logger,
	}
}

func (s *Service) fetch(ctx context.Context, src Source) ([]byte, error) {
	if src.URL == "" {
		if len(src.Data) == 0 {
			return nil, fmt.Errorf("import source has neither url nor content")
		}
		return src.Data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build package request: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch package from %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch package from %s: status %d", src.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize))
	if err != nil {
		return nil, fmt.Errorf("read package body: %w", err)
	}
	return data, nil
}

// inspect parses and fully validates a package: structure, action types,
// platform compatibility.
func (s *Service) inspect(pkg *Package, issues []manifest.Issue) *Preview {
	pv := &Preview{}
	if pkg == nil {
		pv.Errors = manifest.Errors(issues)
		return pv
	}
	issues = append(issues, manifest.ValidateActions(pkg.Manifest, s.known)...)
	pv.Manifest = pkg.Manifest
	for name := range pkg.Files {
		pv.Files = append(pv.Files, name)
	}
	pv.Compatibility = manifest.CheckCompatibility(pkg.Manifest, s.platformVersion, s.allowedCaps())
	pv.Errors = manifest.Errors(issues)
	pv.Warnings = append(manifest.Warnings(issues), pv.Compatibility.Warnings...)
	pv.Valid = len(pv.Errors) == 0 && pv.Compatibility.Compatible
	return pv
}

// Preview fetches or parses a candidate package without persisting anything.
func (s *Service) Preview(ctx context.Context, src Source) (*Preview, error) {
	data, err := s.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	pkg, issues := Parse(data)
	return s.inspect(pkg, issues), nil
}

// Import validates and persists a package. A new version of an existing slug
// is a new catalog row; re-importing an existing slug+version is rejected.
// With autoInstall the importing user gets an installation in the same
// transaction. The network fetch happens before anything is written, so a
// failed fetch persists nothing.
func (s *Service) Import(ctx context.Context, src Source, userID string, autoInstall bool, config map[string]interface{}) (*ImportResult, error) {
	data, err := s.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	pkg, issues := Parse(data)
	pv := s.inspect(pkg, issues)
	if !pv.Valid {
		errs := pv.Errors
		if len(errs) == 0 {
			errs = pv.Compatibility.Warnings
		}
		return nil, &ImportError{Errors: errs, Warnings: pv.Warnings}
	}

	m := pkg.Manifest
	existing, err := s.store.FindSkillVersion(ctx, m.Slug, m.Version)
	if err != nil && !errors.Is(err, install.ErrSkillNotFound) {
		return nil, fmt.Errorf("check existing version: %w", err)
	}
	if existing != nil {
		return nil, &ImportError{Errors: []string{
			fmt.Sprintf("skill %s version %s already exists", m.Slug, m.Version),
		}}
	}

	skill := &catalog.Skill{
		ID:        uuid.New().String(),
		Slug:      m.Slug,
		Name:      m.Name,
		Version:   m.Version,
		Category:  m.Category,
		Manifest:  m,
		CreatedAt: time.Now().UTC(),
	}
	if skill.Category == "" {
		skill.Category = "uncategorized"
	}

	var inst *install.Installation
	if autoInstall {
		inst = install.NewInstallation(userID, skill, config)
	}
	if err := s.store.ImportSkill(ctx, skill, pkg.Files, inst); err != nil {
		return nil, fmt.Errorf("persist skill: %w", err)
	}
	if s.invalidate != nil {
		s.invalidate(ctx)
	}

	s.logger.Info("skill imported",
		zap.String("skill", skill.ID),
		zap.String("slug", skill.Slug),
		zap.String("version", skill.Version),
		zap.Bool("auto_install", autoInstall))
	return &ImportResult{Skill: skill, Installation: inst, Warnings: pv.Warnings}, nil
}

// CreateFromTemplate renders a template and imports the result.
func (s *Service) CreateFromTemplate(ctx context.Context, templateID string, vars map[string]string, userID string, autoInstall bool) (*ImportResult, error) {
	pkg, err := s.renderTemplate(templateID, vars)
	if err != nil {
		return nil, err
	}
	data, err := pkg.Encode()
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, Source{Data: data}, userID, autoInstall, nil)
}

// PreviewFromTemplate renders a template without persisting anything.
func (s *Service) PreviewFromTemplate(templateID string, vars map[string]string) (*Preview, error) {
	pkg, err := s.renderTemplate(templateID, vars)
	if err != nil {
		return nil, err
	}
	return s.inspect(pkg, manifest.Validate(pkg.Manifest)), nil
}

func (s *Service) renderTemplate(templateID string, vars map[string]string) (*Package, error) {
	tpl, ok := FindTemplate(templateID)
	if !ok {
		return nil, fmt.Errorf("unknown template %q", templateID)
	}
	return tpl.Render(vars)
}

// Export serializes a catalog skill back into a portable package.
func (s *Service) Export(ctx context.Context, skillID string, includeReadme bool) (*Package, error) {
	skill, err := s.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.GetSkillFiles(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("load skill files: %w", err)
	}
	pkg := &Package{Manifest: skill.Manifest, Files: files}
	if includeReadme {
		pkg.Readme = pkg.GenerateReadme()
	}
	return pkg, nil
}
