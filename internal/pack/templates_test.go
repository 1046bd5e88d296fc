package pack

import (
	"strings"
	"testing"
)

func TestListAndFindTemplates(t *testing.T) {
	list := ListTemplates()
	if len(list) != 3 {
		t.Fatalf("got %d templates, want 3", len(list))
	}
	for _, tpl := range list {
		if _, ok := FindTemplate(tpl.ID); !ok {
			t.Errorf("template %s not findable by id", tpl.ID)
		}
	}
	if _, ok := FindTemplate("nope"); ok {
		t.Error("unexpected template for unknown id")
	}
}

func TestTemplateRender(t *testing.T) {
	tpl, _ := FindTemplate("lead-welcome")

	p, err := tpl.Render(map[string]string{
		"skill_name":      "Lead Welcome",
		"skill_slug":      "lead-welcome",
		"welcome_message": `New lead: "{{input.email}}"`,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if p.Manifest.Name != "Lead Welcome" || p.Manifest.Slug != "lead-welcome" {
		t.Errorf("identity not substituted: %s / %s", p.Manifest.Name, p.Manifest.Slug)
	}

	// Template variables are filled; runtime placeholders survive for the
	// engine to interpolate at execution time.
	msg, _ := p.Manifest.Steps[1].Actions[0].Params["message"].(string)
	if !strings.Contains(msg, "{{input.email}}") {
		t.Errorf("runtime placeholder lost: %q", msg)
	}
	if !strings.Contains(msg, `"`) {
		t.Errorf("quoted variable value not escaped into valid JSON: %q", msg)
	}
}

func TestTemplateRenderMissingVariable(t *testing.T) {
	tpl, _ := FindTemplate("daily-report")
	_, err := tpl.Render(map[string]string{"skill_name": "Report"})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
}

func TestAllTemplatesRenderValidManifests(t *testing.T) {
	vars := map[string]string{
		"skill_name":      "T",
		"skill_slug":      "t",
		"welcome_message": "hi",
		"report_url":      "https://example.com/hook",
	}
	for _, tpl := range ListTemplates() {
		p, err := tpl.Render(vars)
		if err != nil {
			t.Fatalf("template %s: %v", tpl.ID, err)
		}
		if p.Manifest == nil || len(p.Manifest.Steps) == 0 {
			t.Errorf("template %s rendered an empty manifest", tpl.ID)
		}
	}
}
