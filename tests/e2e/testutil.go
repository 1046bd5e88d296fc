package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/api"
	"github.com/rocketopp/ignition/internal/auth"
	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/pack"
	"github.com/rocketopp/ignition/internal/store"
)

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger *zap.Logger
	testStore  *store.Store
	testCache  *redis.Client
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("ignition_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// newStackServer wires the full service stack against the shared containers
// and returns an HTTP test server plus the market service (for cache checks).
func newStackServer(t *testing.T) (*httptest.Server, *catalog.Service) {
	t.Helper()

	registry := ignition.NewRegistry()
	ignition.RegisterBuiltins(registry, testLogger)

	market := catalog.NewService(testStore, testCache, testLogger)
	installs := install.NewService(testStore, testLogger)
	engine := ignition.NewEngine(registry, testStore, testLogger)
	rollback := ignition.NewRollback(testStore, testStore, registry, testLogger)
	packs := pack.NewService(testStore, registry.Known, registry.Capabilities, "1.0.0", market.Invalidate, testLogger)

	h := api.NewHandler(installs, packs, market, engine, rollback, testStore, testStore, testLogger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, market
}

// seedSession writes a session row and returns its bearer token.
func seedSession(t *testing.T, userID string) string {
	t.Helper()
	token := "e2e-" + userID
	sess := &auth.Session{UserID: userID, Email: userID + "@example.com"}
	if err := testStore.PutSession(context.Background(), token, sess, time.Hour); err != nil {
		t.Fatalf("put session: %v", err)
	}
	return token
}

// call performs an authenticated JSON request against the stack.
func call(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}
