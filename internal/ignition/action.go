package ignition

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ActionInput is everything a handler may draw on: the action's manifest
// params, the installation config, the run input, and the outputs of actions
// that already ran in this run (keyed by action id).
type ActionInput struct {
	ActionID string
	Params   map[string]interface{}
	Config   map[string]interface{}
	Input    map[string]interface{}
	Prior    map[string]map[string]interface{}
}

// ActionResult is what a handler produced. RevertData, when non-nil, must be
// sufficient for the handler's Revert to undo the side effect later.
type ActionResult struct {
	Output     map[string]interface{}
	RevertData map[string]interface{}
}

// Handler implements one action type. Run performs the side effect; Revert
// undoes a past Run given its RevertData. Handlers whose effects cannot be
// undone return false from Reversible and nil RevertData.
type Handler interface {
	Type() string
	Capability() string
	Reversible() bool
	Run(ctx context.Context, in ActionInput) (*ActionResult, error)
	Revert(ctx context.Context, revertData map[string]interface{}) error
}

// Registry maps action type identifiers to handlers. Manifests are validated
// against it at import/load time so an unknown type never reaches execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Later registrations of the same type win.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for an action type.
func (r *Registry) Get(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Known reports whether an action type is registered. Satisfies the
// manifest.ValidateActions callback.
func (r *Registry) Known(actionType string) bool {
	_, ok := r.Get(actionType)
	return ok
}

// Capabilities returns the whitelist of capabilities the registered handlers
// provide, for manifest compatibility checks.
func (r *Registry) Capabilities() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make(map[string]bool, len(r.handlers))
	for _, h := range r.handlers {
		caps[h.Capability()] = true
	}
	return caps
}

// stringParam resolves a string param with {{config.KEY}}, {{input.KEY}} and
// {{actions.ID.KEY}} placeholders substituted from the action input.
func stringParam(in ActionInput, key string) string {
	raw, _ := in.Params[key].(string)
	return interpolate(raw, in)
}

// interpolate substitutes left to right over the original string; substituted
// values are never re-scanned, so a value containing its own placeholder
// stays literal instead of expanding forever.
func interpolate(s string, in ActionInput) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var out strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			out.WriteString(s)
			return out.String()
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			out.WriteString(s)
			return out.String()
		}
		end += start
		ref := strings.TrimSpace(s[start+2 : end])
		out.WriteString(s[:start])
		out.WriteString(lookupRef(ref, in))
		s = s[end+2:]
	}
}

func lookupRef(ref string, in ActionInput) string {
	parts := strings.SplitN(ref, ".", 3)
	var v interface{}
	switch {
	case len(parts) == 2 && parts[0] == "config":
		v = in.Config[parts[1]]
	case len(parts) == 2 && parts[0] == "input":
		v = in.Input[parts[1]]
	case len(parts) == 3 && parts[0] == "actions":
		if prior, ok := in.Prior[parts[1]]; ok {
			v = prior[parts[2]]
		}
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
