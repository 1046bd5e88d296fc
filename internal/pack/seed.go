package pack

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/install"
)

// seedVars fills each built-in template for the catalog seed. Runtime-bound
// values stay as placeholders so the seeded skill resolves them per run.
var seedVars = map[string]map[string]string{
	"lead-welcome": {
		"skill_name":      "Lead Welcome",
		"skill_slug":      "lead-welcome",
		"welcome_message": "New lead {{input.name}} ({{input.email}}) in {{config.slack_channel}}",
	},
	"daily-report": {
		"skill_name": "Daily Report",
		"skill_slug": "daily-report",
		"report_url": "{{config.report_url}}",
	},
	"channel-announcement": {
		"skill_name": "Channel Announcement",
		"skill_slug": "channel-announcement",
	},
}

// SeedCatalog imports the built-in templates so a fresh deployment starts
// with a browsable marketplace. Slug+version pairs already in the catalog are
// left alone, so running it on every boot is a no-op.
func (s *Service) SeedCatalog(ctx context.Context) error {
	for _, tpl := range templates {
		pkg, err := tpl.Render(seedVars[tpl.ID])
		if err != nil {
			return fmt.Errorf("seed %s: %w", tpl.ID, err)
		}
		existing, err := s.store.FindSkillVersion(ctx, pkg.Manifest.Slug, pkg.Manifest.Version)
		if err != nil && !errors.Is(err, install.ErrSkillNotFound) {
			return fmt.Errorf("seed %s: %w", tpl.ID, err)
		}
		if existing != nil {
			continue
		}
		data, err := pkg.Encode()
		if err != nil {
			return fmt.Errorf("seed %s: %w", tpl.ID, err)
		}
		if _, err := s.Import(ctx, Source{Data: data}, "", false, nil); err != nil {
			return fmt.Errorf("seed %s: %w", tpl.ID, err)
		}
		s.logger.Info("seeded builtin skill",
			zap.String("slug", pkg.Manifest.Slug),
			zap.String("version", pkg.Manifest.Version))
	}
	return nil
}
