package pack

import (
	"fmt"
	"strings"
)

// Template is a named skill blueprint with {{variable}} placeholders.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Variables   []string `json:"variables"`
	body        string
}

// ListTemplates returns the built-in templates.
func ListTemplates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// FindTemplate returns a template by id.
func FindTemplate(id string) (*Template, bool) {
	for i := range templates {
		if templates[i].ID == id {
			return &templates[i], true
		}
	}
	return nil, false
}

// Render fills the template's placeholders with vars and parses the result
// into a package. Every declared variable must be supplied.
func (t *Template) Render(vars map[string]string) (*Package, error) {
	body := t.body
	for _, name := range t.Variables {
		val, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("template %s requires variable %q", t.ID, name)
		}
		body = strings.ReplaceAll(body, "{{"+name+"}}", jsonEscape(val))
	}
	p, issues := Parse([]byte(body))
	if p == nil {
		return nil, fmt.Errorf("template %s rendered an invalid package: %s", t.ID, issues[0].Message)
	}
	return p, nil
}

func jsonEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return r.Replace(s)
}

var templates = []Template{
	{
		ID:          "lead-welcome",
		Name:        "Lead Welcome",
		Description: "Create a CRM contact for a new lead and announce it in Slack",
		Variables:   []string{"skill_name", "skill_slug", "welcome_message"},
		body: `{
  "manifest": {
    "name": "{{skill_name}}",
    "slug": "{{skill_slug}}",
    "version": "1.0.0",
    "category": "leads",
    "description": "Creates a CRM contact for each new lead and posts a Slack notification",
    "capabilities": ["crm", "slack"],
    "onboarding": [
      {"key": "crm_base_url", "label": "CRM base URL", "type": "url", "required": true},
      {"key": "crm_api_key", "label": "CRM API key", "type": "text", "required": true},
      {"key": "slack_channel", "label": "Slack channel", "type": "text", "required": true}
    ],
    "steps": [
      {
        "id": "capture",
        "name": "Capture lead",
        "actions": [
          {"id": "create-contact", "type": "crm_contact",
           "params": {"email": "{{input.email}}", "name": "{{input.name}}"}}
        ]
      },
      {
        "id": "notify",
        "name": "Notify team",
        "actions": [
          {"id": "slack-notify", "type": "slack_message",
           "params": {"message": "{{welcome_message}}"},
           "continue_on_error": true}
        ]
      }
    ]
  }
}`,
	},
	{
		ID:          "daily-report",
		Name:        "Daily Report",
		Description: "Post a daily summary to a webhook endpoint",
		Variables:   []string{"skill_name", "skill_slug", "report_url"},
		body: `{
  "manifest": {
    "name": "{{skill_name}}",
    "slug": "{{skill_slug}}",
    "version": "1.0.0",
    "category": "reporting",
    "description": "Builds a summary from the run input and delivers it to a webhook",
    "capabilities": ["http", "data"],
    "onboarding": [
      {"key": "report_title", "label": "Report title", "type": "text", "required": true}
    ],
    "steps": [
      {
        "id": "build",
        "name": "Build summary",
        "actions": [
          {"id": "summarize", "type": "transform",
           "params": {"title": "{{config.report_title}}", "body": "{{input.summary}}"}}
        ]
      },
      {
        "id": "deliver",
        "name": "Deliver report",
        "actions": [
          {"id": "post-report", "type": "webhook",
           "params": {"url": "{{report_url}}",
                      "body": {"title": "{{actions.summarize.title}}", "body": "{{actions.summarize.body}}"}}}
        ]
      }
    ]
  }
}`,
	},
	{
		ID:          "channel-announcement",
		Name:        "Channel Announcement",
		Description: "Send an announcement to Slack and Discord",
		Variables:   []string{"skill_name", "skill_slug"},
		body: `{
  "manifest": {
    "name": "{{skill_name}}",
    "slug": "{{skill_slug}}",
    "version": "1.0.0",
    "category": "messaging",
    "description": "Broadcasts a message to the configured Slack and Discord channels",
    "capabilities": ["slack", "discord"],
    "onboarding": [
      {"key": "slack_channel", "label": "Slack channel", "type": "text", "required": true},
      {"key": "discord_channel", "label": "Discord channel ID", "type": "text", "required": true}
    ],
    "steps": [
      {
        "id": "announce",
        "name": "Announce",
        "actions": [
          {"id": "slack", "type": "slack_message", "params": {"message": "{{input.message}}"}},
          {"id": "discord", "type": "discord_message", "params": {"message": "{{input.message}}"},
           "continue_on_error": true}
        ]
      }
    ]
  }
}`,
	},
}
