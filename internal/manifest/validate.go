package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Issues are collected, never thrown.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

func errIssue(field, format string, args ...interface{}) Issue {
	return Issue{Severity: SeverityError, Field: field, Message: fmt.Sprintf(format, args...)}
}

func warnIssue(field, format string, args ...interface{}) Issue {
	return Issue{Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...)}
}

// HasErrors reports whether any issue in the list is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns the messages of error-severity issues.
func Errors(issues []Issue) []string {
	var out []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i.Message)
		}
	}
	return out
}

// Warnings returns the messages of warning-severity issues.
func Warnings(issues []Issue) []string {
	var out []string
	for _, i := range issues {
		if i.Severity == SeverityWarning {
			out = append(out, i.Message)
		}
	}
	return out
}

// knownFieldTypes are the onboarding field types the platform validates.
// Unknown types degrade to text with a warning at import time.
var knownFieldTypes = map[string]bool{
	"text": true, "number": true, "boolean": true,
	"email": true, "url": true, "select": true,
}

// Validate checks structural soundness of a manifest: identity fields, semver
// validity, step/action ids and references, onboarding field declarations.
// Recoverable problems come back as issues; Validate itself never fails.
func Validate(m *Manifest) []Issue {
	var issues []Issue

	if m.Name == "" {
		issues = append(issues, errIssue("name", "manifest name is required"))
	}
	if m.Slug == "" {
		issues = append(issues, errIssue("slug", "manifest slug is required"))
	} else if strings.ContainsAny(m.Slug, " /\\") {
		issues = append(issues, errIssue("slug", "slug %q must not contain spaces or slashes", m.Slug))
	}
	if m.Version == "" {
		issues = append(issues, errIssue("version", "manifest version is required"))
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		issues = append(issues, errIssue("version", "version %q is not valid semver", m.Version))
	}
	if m.MinPlatformVersion != "" {
		if _, err := semver.NewVersion(m.MinPlatformVersion); err != nil {
			issues = append(issues, errIssue("min_platform_version", "min_platform_version %q is not valid semver", m.MinPlatformVersion))
		}
	}
	if m.Category == "" {
		issues = append(issues, warnIssue("category", "manifest has no category; it will be listed under \"uncategorized\""))
	}
	if m.Description == "" {
		issues = append(issues, warnIssue("description", "manifest has no description"))
	}

	if len(m.Steps) == 0 {
		issues = append(issues, errIssue("steps", "manifest declares no steps"))
	}
	stepIDs := make(map[string]bool)
	actionIDs := make(map[string]bool)
	for i, s := range m.Steps {
		if s.ID == "" {
			issues = append(issues, errIssue("steps", "step %d has no id", i+1))
		} else if stepIDs[s.ID] {
			issues = append(issues, errIssue("steps", "duplicate step id %q", s.ID))
		} else {
			stepIDs[s.ID] = true
		}
		if len(s.Actions) == 0 {
			issues = append(issues, errIssue("steps", "step %q has no actions", s.ID))
		}
		for j, a := range s.Actions {
			if a.ID == "" {
				issues = append(issues, errIssue("steps", "action %d of step %q has no id", j+1, s.ID))
			} else if actionIDs[a.ID] {
				issues = append(issues, errIssue("steps", "duplicate action id %q", a.ID))
			} else {
				actionIDs[a.ID] = true
			}
			if a.Type == "" {
				issues = append(issues, errIssue("steps", "action %q has no type", a.ID))
			}
		}
	}

	fieldKeys := make(map[string]bool)
	for i, f := range m.Onboarding {
		if f.Key == "" {
			issues = append(issues, errIssue("onboarding", "onboarding field %d has no key", i+1))
			continue
		}
		if fieldKeys[f.Key] {
			issues = append(issues, errIssue("onboarding", "duplicate onboarding field key %q", f.Key))
		}
		fieldKeys[f.Key] = true
		if f.Type != "" && !knownFieldTypes[f.Type] {
			issues = append(issues, warnIssue("onboarding", "onboarding field %q has unknown type %q; treated as text", f.Key, f.Type))
		}
		if f.Type == "select" && len(f.Options) == 0 {
			issues = append(issues, errIssue("onboarding", "select field %q declares no options", f.Key))
		}
	}

	return issues
}

// ValidateActions checks that every action type in the manifest is known to
// the platform's action registry. Unknown types are rejected here, at
// import/load time, rather than failing mid-run.
func ValidateActions(m *Manifest, known func(actionType string) bool) []Issue {
	var issues []Issue
	for _, s := range m.Steps {
		for _, a := range s.Actions {
			if a.Type != "" && !known(a.Type) {
				issues = append(issues, errIssue("steps", "action %q uses unknown action type %q", a.ID, a.Type))
			}
		}
	}
	return issues
}

// Compatibility is the result of checking a manifest against the running
// platform.
type Compatibility struct {
	Compatible bool     `json:"compatible"`
	Warnings   []string `json:"warnings,omitempty"`
}

// CheckCompatibility compares a manifest's platform requirements against the
// current platform version and the capability whitelist.
func CheckCompatibility(m *Manifest, platformVersion string, allowedCaps map[string]bool) Compatibility {
	c := Compatibility{Compatible: true}

	if m.MinPlatformVersion != "" {
		min, err := semver.NewVersion(m.MinPlatformVersion)
		cur, curErr := semver.NewVersion(platformVersion)
		if err == nil && curErr == nil && cur.LessThan(min) {
			c.Compatible = false
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("skill requires platform %s or newer, running %s", m.MinPlatformVersion, platformVersion))
		}
	}

	for _, cap := range m.Capabilities {
		if !allowedCaps[cap] {
			c.Compatible = false
			c.Warnings = append(c.Warnings, fmt.Sprintf("capability %q is not available on this platform", cap))
		}
	}

	return c
}

// FieldStatus reports the fill state of one onboarding field.
type FieldStatus struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
	Filled   bool   `json:"filled"`
}

// OnboardingStatus is the derived view of how far onboarding has progressed.
// It is always recomputed from config against the manifest, never stored.
type OnboardingStatus struct {
	Fields          []FieldStatus `json:"fields"`
	Missing         []string      `json:"missing"`
	Complete        bool          `json:"complete"`
	PercentComplete int           `json:"percent_complete"`
}

// ComputeOnboarding derives onboarding progress from the installation config.
func ComputeOnboarding(m *Manifest, config map[string]interface{}) OnboardingStatus {
	st := OnboardingStatus{Complete: true, PercentComplete: 100}
	if len(m.Onboarding) == 0 {
		return st
	}

	requiredTotal, requiredFilled := 0, 0
	for _, f := range m.Onboarding {
		_, filled := config[f.Key]
		if v, ok := config[f.Key].(string); ok && v == "" {
			filled = false
		}
		st.Fields = append(st.Fields, FieldStatus{
			Key: f.Key, Label: f.Label, Type: f.Type, Required: f.Required, Filled: filled,
		})
		if f.Required {
			requiredTotal++
			if filled {
				requiredFilled++
			} else {
				st.Missing = append(st.Missing, f.Key)
				st.Complete = false
			}
		}
	}
	if requiredTotal > 0 {
		st.PercentComplete = requiredFilled * 100 / requiredTotal
	}
	return st
}

// ValidateOnboardingData checks submitted onboarding values against the
// manifest's field declarations. Keys not declared in the manifest are
// rejected; declared fields are type-checked.
func ValidateOnboardingData(m *Manifest, data map[string]interface{}) []Issue {
	declared := make(map[string]OnboardingField, len(m.Onboarding))
	for _, f := range m.Onboarding {
		declared[f.Key] = f
	}

	var issues []Issue
	for key, val := range data {
		f, ok := declared[key]
		if !ok {
			issues = append(issues, errIssue(key, "field %q is not declared by this skill", key))
			continue
		}
		if iss, ok := checkFieldValue(f, val); !ok {
			issues = append(issues, iss)
		}
	}
	return issues
}

func checkFieldValue(f OnboardingField, val interface{}) (Issue, bool) {
	switch f.Type {
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			return errIssue(f.Key, "field %q must be a number", f.Key), false
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return errIssue(f.Key, "field %q must be a boolean", f.Key), false
		}
	case "email":
		s, ok := val.(string)
		if !ok || !strings.Contains(s, "@") {
			return errIssue(f.Key, "field %q must be an email address", f.Key), false
		}
	case "url":
		s, ok := val.(string)
		if !ok {
			return errIssue(f.Key, "field %q must be a URL", f.Key), false
		}
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return errIssue(f.Key, "field %q must be an http(s) URL", f.Key), false
		}
	case "select":
		s, ok := val.(string)
		if !ok {
			return errIssue(f.Key, "field %q must be one of %v", f.Key, f.Options), false
		}
		for _, opt := range f.Options {
			if s == opt {
				return Issue{}, true
			}
		}
		return errIssue(f.Key, "field %q must be one of %v", f.Key, f.Options), false
	default:
		// text and unknown types accept any string
		if _, ok := val.(string); !ok {
			return errIssue(f.Key, "field %q must be a string", f.Key), false
		}
	}
	return Issue{}, true
}
