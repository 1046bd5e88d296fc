package manifest

import "encoding/json"

// Manifest is the declarative definition of a skill: what it needs from the
// user during onboarding, which capabilities it requires, and the ordered
// action graph Ignition executes.
type Manifest struct {
	Name               string            `json:"name"`
	Slug               string            `json:"slug"`
	Version            string            `json:"version"`
	Category           string            `json:"category,omitempty"`
	Description        string            `json:"description,omitempty"`
	MinPlatformVersion string            `json:"min_platform_version,omitempty"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	Onboarding         []OnboardingField `json:"onboarding,omitempty"`
	Steps              []Step            `json:"steps"`
}

// OnboardingField declares one configuration value a user must (or may)
// provide before the skill can run.
type OnboardingField struct {
	Key      string   `json:"key"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type,omitempty"` // text, number, boolean, email, url, select
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"` // for type=select
}

// Step groups actions that run together as one unit of progress.
type Step struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Actions []Action `json:"actions"`
}

// Action is one side-effecting operation within a step.
type Action struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Description     string                 `json:"description,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
	ContinueOnError bool                   `json:"continue_on_error,omitempty"`
}

// ActionCount returns the total number of actions across all steps.
func (m *Manifest) ActionCount() int {
	n := 0
	for _, s := range m.Steps {
		n += len(s.Actions)
	}
	return n
}

// RequiredFields returns the onboarding fields marked required.
func (m *Manifest) RequiredFields() []OnboardingField {
	var out []OnboardingField
	for _, f := range m.Onboarding {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Parse decodes a manifest from JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
