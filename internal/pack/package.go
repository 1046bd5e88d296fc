package pack

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rocketopp/ignition/internal/manifest"
)

// Package is the portable form of a skill: the manifest plus any auxiliary
// files (prompt fragments, docs). On disk and over the wire it is one
// .skill.json document.
type Package struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Files    map[string]string  `json:"files,omitempty"`
	Readme   string             `json:"readme,omitempty"`
}

// Parse decodes a package document. Structural JSON problems come back as a
// single error issue; manifest problems as the usual validation issues.
func Parse(data []byte) (*Package, []manifest.Issue) {
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, []manifest.Issue{{
			Severity: manifest.SeverityError,
			Message:  fmt.Sprintf("package is not valid JSON: %v", err),
		}}
	}
	if p.Manifest == nil {
		return nil, []manifest.Issue{{
			Severity: manifest.SeverityError,
			Field:    "manifest",
			Message:  "package has no manifest",
		}}
	}
	return &p, manifest.Validate(p.Manifest)
}

// Encode serializes the package as an indented .skill.json document.
func (p *Package) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode package: %w", err)
	}
	return data, nil
}

// Filename returns the canonical download name for the package.
func (p *Package) Filename() string {
	return fmt.Sprintf("%s-v%s.skill.json", p.Manifest.Slug, p.Manifest.Version)
}

// GenerateReadme renders a human-readable summary of the packaged skill.
func (p *Package) GenerateReadme() string {
	m := p.Manifest
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Name)
	if m.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Description)
	}
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	if m.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", m.Category)
	}
	if len(m.Onboarding) > 0 {
		b.WriteString("\n## Setup\n\n")
		for _, f := range m.Onboarding {
			label := f.Label
			if label == "" {
				label = f.Key
			}
			if f.Required {
				fmt.Fprintf(&b, "- %s (required)\n", label)
			} else {
				fmt.Fprintf(&b, "- %s\n", label)
			}
		}
	}
	b.WriteString("\n## Steps\n\n")
	for i, s := range m.Steps {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		fmt.Fprintf(&b, "%d. %s (%d actions)\n", i+1, name, len(s.Actions))
	}
	return b.String()
}
