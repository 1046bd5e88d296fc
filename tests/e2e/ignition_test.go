package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis url: %v\n", err)
		os.Exit(1)
	}
	testCache = redis.NewClient(opts)
	defer testCache.Close()

	os.Exit(m.Run())
}

const welcomePackage = `{
  "manifest": {
    "name": "Team Welcome",
    "slug": "team-welcome",
    "version": "1.0.0",
    "category": "messaging",
    "description": "Greets a new lead and records a note",
    "onboarding": [
      {"key": "team_name", "label": "Team name", "type": "text", "required": true}
    ],
    "steps": [
      {"id": "greet", "name": "Greet", "actions": [
        {"id": "hello", "type": "log", "params": {"message": "welcome to {{config.team_name}}, {{input.email}}"}},
        {"id": "note", "type": "transform", "params": {"summary": "lead {{input.email}} greeted"}}
      ]}
    ]
  },
  "files": {"notes.md": "greeting skill"}
}`

// TestSkillLifecycle drives import, onboarding, execution, logs, and
// uninstall against the real Postgres-backed stack.
func TestSkillLifecycle(t *testing.T) {
	srv, _ := newStackServer(t)
	token := seedSession(t, "lifecycle-user")

	code, body := call(t, srv, http.MethodPost, "/api/skills/import", token, map[string]interface{}{
		"content":      welcomePackage,
		"auto_install": true,
	})
	if code != http.StatusCreated {
		t.Fatalf("import: %d %v", code, body)
	}
	instID := body["installation"].(map[string]interface{})["id"].(string)
	skillID := body["skill"].(map[string]interface{})["id"].(string)

	t.Run("OnboardingFlow", func(t *testing.T) {
		code, body := call(t, srv, http.MethodGet, "/api/skills/"+instID+"/onboarding", token, nil)
		if code != http.StatusOK {
			t.Fatalf("onboarding status: %d %v", code, body)
		}
		ob := body["onboarding"].(map[string]interface{})
		if ob["complete"] != false {
			t.Fatalf("fresh install should be incomplete: %v", ob)
		}

		code, body = call(t, srv, http.MethodPost, "/api/skills/"+instID+"/onboarding", token,
			map[string]interface{}{"data": map[string]interface{}{"team_name": "Rocket"}})
		if code != http.StatusOK {
			t.Fatalf("save onboarding: %d %v", code, body)
		}
		if body["installation"].(map[string]interface{})["status"] != "active" {
			t.Fatalf("not active after onboarding: %v", body)
		}
	})

	t.Run("ExecuteAndLogs", func(t *testing.T) {
		code, body := call(t, srv, http.MethodPost, "/api/skills/"+instID+"/execute", token,
			map[string]interface{}{"input": map[string]interface{}{"email": "lead@example.com"}})
		if code != http.StatusOK || body["success"] != true {
			t.Fatalf("execute: %d %v", code, body)
		}

		code, body = call(t, srv, http.MethodGet, "/api/skills/"+instID+"/logs", token, nil)
		if code != http.StatusOK {
			t.Fatalf("logs: %d %v", code, body)
		}
		logs := body["logs"].([]interface{})
		if len(logs) != 2 {
			t.Fatalf("got %d log rows, want 2", len(logs))
		}
		for _, l := range logs {
			entry := l.(map[string]interface{})
			if entry["status"] != "completed" {
				t.Errorf("log %v not completed", entry["action_id"])
			}
		}
	})

	t.Run("ExportRoundTrip", func(t *testing.T) {
		code, body := call(t, srv, http.MethodGet, "/api/skills/export/"+skillID, token, nil)
		if code != http.StatusOK {
			t.Fatalf("export: %d %v", code, body)
		}
		pkg := body["package"].(map[string]interface{})
		files := pkg["files"].(map[string]interface{})
		if files["notes.md"] != "greeting skill" {
			t.Errorf("exported files lost content: %v", files)
		}
	})

	t.Run("Uninstall", func(t *testing.T) {
		code, _ := call(t, srv, http.MethodDelete, "/api/skills/"+instID, token, nil)
		if code != http.StatusOK {
			t.Fatalf("uninstall: %d", code)
		}
		code, _ = call(t, srv, http.MethodGet, "/api/skills/"+instID, token, nil)
		if code != http.StatusNotFound {
			t.Errorf("get after uninstall: %d, want 404", code)
		}
	})
}

// TestMarketplaceCache verifies the Redis read-through cache serves pages and
// import invalidates them.
func TestMarketplaceCache(t *testing.T) {
	srv, market := newStackServer(t)
	token := seedSession(t, "cache-user")
	ctx := context.Background()

	doc := func(slug, version string) map[string]interface{} {
		return map[string]interface{}{"content": fmt.Sprintf(`{
		  "manifest": {"name": "Cache %s", "slug": %q, "version": %q, "category": "caching",
		    "steps": [{"id": "s1", "actions": [{"id": "%s-a1", "type": "log"}]}]}
		}`, slug, slug, version, slug)}
	}

	if code, body := call(t, srv, http.MethodPost, "/api/skills/import", token, doc("cache-one", "1.0.0")); code != http.StatusCreated {
		t.Fatalf("import: %d %v", code, body)
	}

	code, body := call(t, srv, http.MethodGet, "/api/skills/marketplace?category=caching", token, nil)
	if code != http.StatusOK {
		t.Fatalf("marketplace: %d %v", code, body)
	}
	before := body["marketplace"].(map[string]interface{})["total"].(float64)

	keys, err := testCache.Keys(ctx, "ignition:marketplace:*").Result()
	if err != nil || len(keys) == 0 {
		t.Fatalf("expected cached marketplace pages, keys=%v err=%v", keys, err)
	}

	// A new import invalidates the cache so the next browse sees it.
	if code, body := call(t, srv, http.MethodPost, "/api/skills/import", token, doc("cache-two", "1.0.0")); code != http.StatusCreated {
		t.Fatalf("import: %d %v", code, body)
	}
	code, body = call(t, srv, http.MethodGet, "/api/skills/marketplace?category=caching", token, nil)
	if code != http.StatusOK {
		t.Fatalf("marketplace: %d %v", code, body)
	}
	after := body["marketplace"].(map[string]interface{})["total"].(float64)
	if after != before+1 {
		t.Errorf("got total %v after import, want %v", after, before+1)
	}

	market.Invalidate(ctx)
	keys, _ = testCache.Keys(ctx, "ignition:marketplace:*").Result()
	if len(keys) != 0 {
		t.Errorf("invalidate left %d keys behind", len(keys))
	}
}

// TestConcurrentConfigMerge exercises the version-column CAS under real
// concurrency: parallel merges must all land.
func TestConcurrentConfigMerge(t *testing.T) {
	srv, _ := newStackServer(t)
	token := seedSession(t, "cas-user")

	doc := `{
	  "manifest": {"name": "CAS", "slug": "cas-skill", "version": "1.0.0", "category": "testing",
	    "onboarding": [
	      {"key": "alpha", "type": "text"}, {"key": "beta", "type": "text"},
	      {"key": "gamma", "type": "text"}, {"key": "delta", "type": "text"}
	    ],
	    "steps": [{"id": "s1", "actions": [{"id": "cas-a1", "type": "log"}]}]}
	}`
	code, body := call(t, srv, http.MethodPost, "/api/skills/import", token,
		map[string]interface{}{"content": doc, "auto_install": true})
	if code != http.StatusCreated {
		t.Fatalf("import: %d %v", code, body)
	}
	instID := body["installation"].(map[string]interface{})["id"].(string)

	keys := []string{"alpha", "beta", "gamma", "delta"}
	var wg sync.WaitGroup
	errs := make(chan string, len(keys))
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			code, body := call(t, srv, http.MethodPut, "/api/skills/"+instID, token,
				map[string]interface{}{"config": map[string]interface{}{key: "set-" + key}})
			// A lost CAS retry may still surface as a 400 conflict; that is
			// acceptable as long as it is not silent corruption.
			if code != http.StatusOK && code != http.StatusBadRequest {
				errs <- fmt.Sprintf("%s: %d %v", key, code, body)
			}
		}(key)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	// Whatever landed must be internally consistent: every stored key holds
	// the value its writer sent.
	code, body = call(t, srv, http.MethodGet, "/api/skills/"+instID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %v", code, body)
	}
	config := body["installation"].(map[string]interface{})["config"].(map[string]interface{})
	for k, v := range config {
		if want := "set-" + k; v != want {
			t.Errorf("config[%s] = %v, want %s", k, v, want)
		}
	}
}

// TestRevertClaimIsAtomic fires concurrent reverts at one log entry; exactly
// one may win.
func TestRevertClaimIsAtomic(t *testing.T) {
	srv, _ := newStackServer(t)
	token := seedSession(t, "revert-user")
	ctx := context.Background()

	// A reversible entry needs revert data; fabricate one directly in the
	// store the way a webhook action would have left it.
	doc := `{
	  "manifest": {"name": "Hook", "slug": "hook-skill", "version": "1.0.0", "category": "http",
	    "steps": [{"id": "s1", "actions": [{"id": "hook-a1", "type": "webhook", "params": {"url": "https://example.invalid"}}]}]}
	}`
	code, body := call(t, srv, http.MethodPost, "/api/skills/import", token,
		map[string]interface{}{"content": doc, "auto_install": true})
	if code != http.StatusCreated {
		t.Fatalf("import: %d %v", code, body)
	}
	instID := body["installation"].(map[string]interface{})["id"].(string)

	// A completed, revertible row like a webhook action would leave behind.
	entry := &ignition.LogEntry{
		ID:             uuid.New().String(),
		InstallationID: instID,
		RunID:          uuid.New().String(),
		ActionID:       "hook-a1",
		ActionType:     "webhook",
		Status:         ignition.LogPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := testStore.InsertLog(ctx, entry); err != nil {
		t.Fatalf("insert log: %v", err)
	}
	entry.Status = ignition.LogCompleted
	entry.Output = map[string]interface{}{"status_code": 201}
	entry.RevertData = map[string]interface{}{"delete_url": "https://example.invalid/created/1"}
	if err := testStore.UpdateLog(ctx, entry); err != nil {
		t.Fatalf("update log: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := testStore.ClaimRevert(ctx, entry.ID, time.Now().UTC())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("got %d claim winners, want exactly 1", winners)
	}

	// Losers must see the claim via the normal read path.
	got, err := testStore.GetLog(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if got.RevertedAt == nil {
		t.Error("winning claim not visible on the entry")
	}
}
