package ignition_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/manifest"
	"github.com/rocketopp/ignition/internal/store/storetest"
)

// rollbackFixture runs a two-action skill (both reversible) and returns the
// pieces a rollback test needs.
func rollbackFixture(t *testing.T) (*storetest.Mem, *ignition.Rollback, *fakeHandler, []*ignition.LogEntry) {
	t.Helper()
	mem := storetest.New()
	reg := ignition.NewRegistry()
	h := &fakeHandler{typ: "undoable", reversible: true, run: func(in ignition.ActionInput) (*ignition.ActionResult, error) {
		return &ignition.ActionResult{
			Output:     map[string]interface{}{"done": in.ActionID},
			RevertData: map[string]interface{}{"undo": in.ActionID},
		}, nil
	}}
	reg.Register(h)
	eng := ignition.NewEngine(reg, mem, zap.NewNop())

	m := &manifest.Manifest{
		Name: "Undo", Slug: "undo", Version: "1.0.0",
		Steps: []manifest.Step{{ID: "s1", Actions: []manifest.Action{
			{ID: "a1", Type: "undoable"},
			{ID: "a2", Type: "undoable"},
		}}},
	}
	sk := testSkill(m)
	inst := activeInstallation(sk.ID)
	if err := mem.InsertInstallation(context.Background(), inst); err != nil {
		t.Fatalf("insert installation: %v", err)
	}

	if _, err := eng.Execute(context.Background(), inst, sk, nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	logs, err := mem.ListLogs(context.Background(), inst.ID, 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d log rows, want 2", len(logs))
	}
	// ListLogs is newest-first; logs[0] is a2, logs[1] is a1.
	return mem, ignition.NewRollback(mem, mem, reg, zap.NewNop()), h, logs
}

func TestRevertMostRecentOnly(t *testing.T) {
	_, rb, h, logs := rollbackFixture(t)
	ctx := context.Background()
	newest, older := logs[0], logs[1]

	check, err := rb.CanRevert(ctx, "user-1", older.ID)
	if err != nil {
		t.Fatalf("can revert: %v", err)
	}
	if check.CanRevert {
		t.Fatal("older entry must not be revertible while a newer one exists")
	}
	if check.Reason != "not most recent" {
		t.Errorf("got reason %q, want %q", check.Reason, "not most recent")
	}

	if err := rb.Revert(ctx, "user-1", newest.ID); err != nil {
		t.Fatalf("revert newest: %v", err)
	}
	if len(h.reverted) != 1 || h.reverted[0]["undo"] != "a2" {
		t.Errorf("handler reverted %v, want one call with undo=a2", h.reverted)
	}

	// The older entry becomes the new frontier.
	check, err = rb.CanRevert(ctx, "user-1", older.ID)
	if err != nil {
		t.Fatalf("can revert: %v", err)
	}
	if !check.CanRevert {
		t.Errorf("older entry should be revertible now, reason: %s", check.Reason)
	}
}

func TestRevertTwiceFails(t *testing.T) {
	_, rb, h, logs := rollbackFixture(t)
	ctx := context.Background()

	if err := rb.Revert(ctx, "user-1", logs[0].ID); err != nil {
		t.Fatalf("first revert: %v", err)
	}
	err := rb.Revert(ctx, "user-1", logs[0].ID)
	var se *install.StateError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StateError", err)
	}
	if len(h.reverted) != 1 {
		t.Errorf("inverse applied %d times, want 1", len(h.reverted))
	}
}

func TestRevertFailureReleasesClaim(t *testing.T) {
	_, rb, h, logs := rollbackFixture(t)
	ctx := context.Background()

	h.revertErr = fmt.Errorf("downstream gone")
	if err := rb.Revert(ctx, "user-1", logs[0].ID); err == nil {
		t.Fatal("expected revert failure")
	}

	// The claim must be released so a later attempt can succeed.
	h.revertErr = nil
	if err := rb.Revert(ctx, "user-1", logs[0].ID); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestRevertOwnershipAndStatusChecks(t *testing.T) {
	mem, rb, _, logs := rollbackFixture(t)
	ctx := context.Background()

	if _, err := rb.CanRevert(ctx, "intruder", logs[0].ID); !errors.Is(err, install.ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}
	if _, err := rb.CanRevert(ctx, "user-1", "missing"); !errors.Is(err, ignition.ErrLogNotFound) {
		t.Fatalf("got %v, want ErrLogNotFound", err)
	}

	// A failed entry is never revertible.
	failed := *logs[0]
	failed.Status = ignition.LogFailed
	if err := mem.UpdateLog(ctx, &failed); err != nil {
		t.Fatalf("update log: %v", err)
	}
	check, err := rb.CanRevert(ctx, "user-1", failed.ID)
	if err != nil {
		t.Fatalf("can revert: %v", err)
	}
	if check.CanRevert {
		t.Error("failed entry must not be revertible")
	}
}

func TestRevertRequiresReversibleHandler(t *testing.T) {
	mem := storetest.New()
	reg := ignition.NewRegistry()
	reg.Register(&fakeHandler{typ: "oneway", run: func(in ignition.ActionInput) (*ignition.ActionResult, error) {
		return &ignition.ActionResult{Output: map[string]interface{}{"done": true}}, nil
	}})
	eng := ignition.NewEngine(reg, mem, zap.NewNop())
	rb := ignition.NewRollback(mem, mem, reg, zap.NewNop())

	m := &manifest.Manifest{
		Name: "OneWay", Slug: "one-way", Version: "1.0.0",
		Steps: []manifest.Step{{ID: "s1", Actions: []manifest.Action{{ID: "a1", Type: "oneway"}}}},
	}
	sk := testSkill(m)
	inst := activeInstallation(sk.ID)
	ctx := context.Background()
	if err := mem.InsertInstallation(ctx, inst); err != nil {
		t.Fatalf("insert installation: %v", err)
	}
	if _, err := eng.Execute(ctx, inst, sk, nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	logs, _ := mem.ListLogs(ctx, inst.ID, 0)
	check, err := rb.CanRevert(ctx, "user-1", logs[0].ID)
	if err != nil {
		t.Fatalf("can revert: %v", err)
	}
	if check.CanRevert {
		t.Error("irreversible action must not be revertible")
	}
}
