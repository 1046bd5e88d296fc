package ignition

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInterpolate(t *testing.T) {
	in := ActionInput{
		Config: map[string]interface{}{"channel": "#sales"},
		Input:  map[string]interface{}{"email": "lead@example.com"},
		Prior: map[string]map[string]interface{}{
			"create": {"contact_id": "c-42"},
		},
	}

	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"{{config.channel}}", "#sales"},
		{"new lead {{input.email}} in {{config.channel}}", "new lead lead@example.com in #sales"},
		{"{{actions.create.contact_id}}", "c-42"},
		{"{{config.missing}}", ""},
		{"{{actions.nope.x}}", ""},
		{"{{ config.channel }}", "#sales"},
		{"{{broken", "{{broken"},
	}
	for _, c := range cases {
		if got := interpolate(c.in, in); got != c.want {
			t.Errorf("interpolate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInterpolateSelfReferentialValue(t *testing.T) {
	in := ActionInput{
		Params: map[string]interface{}{"msg": "{{input.x}}"},
		Input:  map[string]interface{}{"x": "{{input.x}}"},
	}

	done := make(chan string, 1)
	go func() { done <- stringParam(in, "msg") }()

	select {
	case got := <-done:
		if got != "{{input.x}}" {
			t.Errorf("stringParam = %q, want the value kept literal", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stringParam did not return; substituted output must not be re-scanned")
	}
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, zap.NewNop())

	if !r.Known("log") || !r.Known("webhook") {
		t.Fatal("builtin action types not registered")
	}
	if r.Known("teleport") {
		t.Error("unexpected action type registered")
	}
	caps := r.Capabilities()
	if !caps["http"] {
		t.Errorf("expected http capability, got %v", caps)
	}
}

func TestEmitterUnsubscribeIsIdempotent(t *testing.T) {
	e := NewEmitter()
	var got int
	unsub := e.Subscribe(func(Event) { got++ })

	e.Emit(Event{Type: EventLog})
	unsub()
	unsub() // second call must not panic or unregister someone else
	e.Emit(Event{Type: EventLog})

	if got != 1 {
		t.Errorf("got %d events, want 1", got)
	}
}
