package pack_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/manifest"
	"github.com/rocketopp/ignition/internal/pack"
	"github.com/rocketopp/ignition/internal/store/storetest"
)

func knownType(typ string) bool {
	switch typ {
	case "log", "delay", "transform", "webhook", "crm_contact", "slack_message", "discord_message":
		return true
	}
	return false
}

func allCaps() map[string]bool {
	return map[string]bool{
		"logging": true, "scheduling": true, "data": true, "http": true,
		"crm": true, "slack": true, "discord": true,
	}
}

func newService(mem *storetest.Mem) *pack.Service {
	return pack.NewService(mem, knownType, allCaps, "1.0.0", nil, zap.NewNop())
}

const goodPackage = `{
  "manifest": {
    "name": "Greeter",
    "slug": "greeter",
    "version": "1.0.0",
    "category": "messaging",
    "description": "Says hello",
    "steps": [
      {"id": "s1", "actions": [{"id": "a1", "type": "log", "params": {"message": "hi"}}]}
    ]
  },
  "files": {"notes.md": "internal notes"}
}`

func TestParsePackage(t *testing.T) {
	p, issues := pack.Parse([]byte(goodPackage))
	if p == nil || manifest.HasErrors(issues) {
		t.Fatalf("good package rejected: %v", issues)
	}
	if p.Manifest.Slug != "greeter" {
		t.Errorf("got slug %q, want greeter", p.Manifest.Slug)
	}
	if p.Files["notes.md"] != "internal notes" {
		t.Error("package files not decoded")
	}

	if p, _ := pack.Parse([]byte("{not json")); p != nil {
		t.Error("invalid JSON should not produce a package")
	}
	if p, issues := pack.Parse([]byte(`{"files":{}}`)); p != nil || len(issues) == 0 {
		t.Error("package without manifest should be rejected")
	}
}

func TestPreviewReportsValidity(t *testing.T) {
	svc := newService(storetest.New())
	ctx := context.Background()

	pv, err := svc.Preview(ctx, pack.Source{Data: []byte(goodPackage)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !pv.Valid {
		t.Fatalf("good package not valid: errors=%v", pv.Errors)
	}
	if len(pv.Files) != 1 || pv.Files[0] != "notes.md" {
		t.Errorf("got files %v, want [notes.md]", pv.Files)
	}

	// Missing name is an error, not a fetch failure.
	bad := strings.Replace(goodPackage, `"name": "Greeter",`, "", 1)
	pv, err = svc.Preview(ctx, pack.Source{Data: []byte(bad)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Valid || len(pv.Errors) == 0 {
		t.Error("package without name should be invalid")
	}
}

func TestPreviewFlagsUnknownActionAndCapability(t *testing.T) {
	svc := newService(storetest.New())

	doc := strings.Replace(goodPackage, `"type": "log"`, `"type": "teleport"`, 1)
	pv, err := svc.Preview(context.Background(), pack.Source{Data: []byte(doc)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Valid {
		t.Error("unknown action type should invalidate the package")
	}

	doc = strings.Replace(goodPackage, `"category": "messaging",`,
		`"category": "messaging", "capabilities": ["quantum"],`, 1)
	pv, err = svc.Preview(context.Background(), pack.Source{Data: []byte(doc)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Valid || pv.Compatibility.Compatible {
		t.Error("unavailable capability should invalidate the package")
	}
}

func TestPreviewMinPlatformVersion(t *testing.T) {
	svc := newService(storetest.New()) // platform 1.0.0

	doc := strings.Replace(goodPackage, `"version": "1.0.0",`,
		`"version": "1.0.0", "min_platform_version": "9.0.0",`, 1)
	pv, err := svc.Preview(context.Background(), pack.Source{Data: []byte(doc)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Valid {
		t.Error("package requiring a newer platform should be invalid")
	}
}

func TestImportPersistsSkill(t *testing.T) {
	mem := storetest.New()
	svc := newService(mem)
	ctx := context.Background()

	res, err := svc.Import(ctx, pack.Source{Data: []byte(goodPackage)}, "user-1", false, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Skill.Slug != "greeter" || res.Installation != nil {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := mem.FindSkillVersion(ctx, "greeter", "1.0.0"); err != nil {
		t.Errorf("imported skill not persisted: %v", err)
	}

	// Same slug+version again is rejected.
	_, err = svc.Import(ctx, pack.Source{Data: []byte(goodPackage)}, "user-1", false, nil)
	var ie *pack.ImportError
	if !errors.As(err, &ie) {
		t.Fatalf("got %v, want ImportError", err)
	}

	// A bumped version is a new catalog row.
	bumped := strings.Replace(goodPackage, `"version": "1.0.0"`, `"version": "1.1.0"`, 1)
	if _, err := svc.Import(ctx, pack.Source{Data: []byte(bumped)}, "user-1", false, nil); err != nil {
		t.Fatalf("import new version: %v", err)
	}
}

func TestImportRejectsInvalidWithoutPersisting(t *testing.T) {
	mem := storetest.New()
	svc := newService(mem)
	ctx := context.Background()

	bad := strings.Replace(goodPackage, `"name": "Greeter",`, "", 1)
	_, err := svc.Import(ctx, pack.Source{Data: []byte(bad)}, "user-1", false, nil)
	var ie *pack.ImportError
	if !errors.As(err, &ie) {
		t.Fatalf("got %v, want ImportError", err)
	}
	if _, err := mem.FindSkillVersion(ctx, "greeter", "1.0.0"); !errors.Is(err, install.ErrSkillNotFound) {
		t.Error("rejected import must not persist a skill")
	}
}

func TestImportAutoInstall(t *testing.T) {
	mem := storetest.New()
	svc := newService(mem)
	ctx := context.Background()

	res, err := svc.Import(ctx, pack.Source{Data: []byte(goodPackage)}, "user-1", true, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Installation == nil {
		t.Fatal("expected an installation with auto-install")
	}
	// No onboarding fields declared, so the installation is active at once.
	if res.Installation.Status != install.StatusActive {
		t.Errorf("got status %s, want active", res.Installation.Status)
	}
	if _, err := mem.GetInstallation(ctx, res.Installation.ID); err != nil {
		t.Errorf("installation not persisted: %v", err)
	}
}

func TestImportFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(goodPackage))
	}))
	defer srv.Close()

	mem := storetest.New()
	svc := newService(mem)
	res, err := svc.Import(context.Background(), pack.Source{URL: srv.URL}, "user-1", false, nil)
	if err != nil {
		t.Fatalf("import from url: %v", err)
	}
	if res.Skill.Slug != "greeter" {
		t.Errorf("got slug %q, want greeter", res.Skill.Slug)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	if _, err := svc.Preview(context.Background(), pack.Source{URL: bad.URL}); err == nil {
		t.Error("expected error for non-200 package URL")
	}
}

func TestExportRoundTrip(t *testing.T) {
	mem := storetest.New()
	svc := newService(mem)
	ctx := context.Background()

	res, err := svc.Import(ctx, pack.Source{Data: []byte(goodPackage)}, "user-1", false, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	pkg, err := svc.Export(ctx, res.Skill.ID, true)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if pkg.Filename() != "greeter-v1.0.0.skill.json" {
		t.Errorf("got filename %q", pkg.Filename())
	}
	if pkg.Files["notes.md"] != "internal notes" {
		t.Error("exported package lost its files")
	}
	if !strings.Contains(pkg.Readme, "# Greeter") {
		t.Errorf("readme missing title:\n%s", pkg.Readme)
	}

	// The exported document re-imports as an equivalent skill (new version
	// to dodge the duplicate check).
	pkg.Manifest.Version = "2.0.0"
	data, err := pkg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res2, err := svc.Import(ctx, pack.Source{Data: data}, "user-1", false, nil)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res2.Skill.Manifest.ActionCount() != res.Skill.Manifest.ActionCount() {
		t.Errorf("round trip changed action count: %d != %d",
			res2.Skill.Manifest.ActionCount(), res.Skill.Manifest.ActionCount())
	}

	if _, err := svc.Export(ctx, "missing", false); !errors.Is(err, install.ErrSkillNotFound) {
		t.Fatalf("got %v, want ErrSkillNotFound", err)
	}
}

type failingVersionStore struct {
	*storetest.Mem
	err error
}

func (s *failingVersionStore) FindSkillVersion(ctx context.Context, slug, version string) (*catalog.Skill, error) {
	return nil, s.err
}

func TestImportSurfacesVersionLookupFailure(t *testing.T) {
	dbErr := errors.New("connection reset")
	st := &failingVersionStore{Mem: storetest.New(), err: dbErr}
	svc := pack.NewService(st, knownType, allCaps, "1.0.0", nil, zap.NewNop())

	_, err := svc.Import(context.Background(), pack.Source{Data: []byte(goodPackage)}, "user-1", false, nil)
	if !errors.Is(err, dbErr) {
		t.Fatalf("got %v, want the lookup failure surfaced", err)
	}
	var ie *pack.ImportError
	if errors.As(err, &ie) {
		t.Error("store failure must not be reported as a validation rejection")
	}
}

func TestSeedCatalog(t *testing.T) {
	mem := storetest.New()
	svc := newService(mem)
	ctx := context.Background()

	if err := svc.SeedCatalog(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, slug := range []string{"lead-welcome", "daily-report", "channel-announcement"} {
		if _, err := mem.FindSkillVersion(ctx, slug, "1.0.0"); err != nil {
			t.Errorf("seeded skill %s missing: %v", slug, err)
		}
	}

	// Running the seed again must not duplicate or error on existing rows.
	if err := svc.SeedCatalog(ctx); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	_, total, err := mem.ListSkills(ctx, catalog.Query{Page: 1, PerPage: 20})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != len(pack.ListTemplates()) {
		t.Errorf("got %d catalog entries after re-seed, want %d", total, len(pack.ListTemplates()))
	}
}
