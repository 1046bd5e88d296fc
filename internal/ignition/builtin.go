package ignition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RegisterBuiltins adds the platform's built-in action handlers. The Slack
// and Discord handlers are registered separately since they need clients.
func RegisterBuiltins(r *Registry, logger *zap.Logger) {
	httpc := &http.Client{Timeout: 30 * time.Second}
	r.Register(&logAction{logger: logger})
	r.Register(&delayAction{})
	r.Register(&transformAction{})
	r.Register(&webhookAction{client: httpc})
	r.Register(&crmContactAction{client: httpc})
}

// logAction writes a message to the run log. Not reversible.
type logAction struct {
	logger *zap.Logger
}

func (a *logAction) Type() string       { return "log" }
func (a *logAction) Capability() string { return "logging" }
func (a *logAction) Reversible() bool   { return false }

func (a *logAction) Run(_ context.Context, in ActionInput) (*ActionResult, error) {
	msg := stringParam(in, "message")
	a.logger.Info("skill log action", zap.String("action", in.ActionID), zap.String("message", msg))
	return &ActionResult{Output: map[string]interface{}{"message": msg}}, nil
}

func (a *logAction) Revert(context.Context, map[string]interface{}) error {
	return fmt.Errorf("log actions cannot be reverted")
}

// delayAction sleeps for params.duration_ms, capped at one minute. Not
// reversible.
type delayAction struct{}

func (a *delayAction) Type() string       { return "delay" }
func (a *delayAction) Capability() string { return "scheduling" }
func (a *delayAction) Reversible() bool   { return false }

func (a *delayAction) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	ms, _ := in.Params["duration_ms"].(float64)
	if ms <= 0 {
		ms = 1000
	}
	if ms > 60000 {
		ms = 60000
	}
	d := time.Duration(ms) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &ActionResult{Output: map[string]interface{}{"waited_ms": int64(ms)}}, nil
}

func (a *delayAction) Revert(context.Context, map[string]interface{}) error {
	return fmt.Errorf("delay actions cannot be reverted")
}

// transformAction projects values from config/input/prior outputs into a new
// output map, one entry per params key. Not reversible.
type transformAction struct{}

func (a *transformAction) Type() string       { return "transform" }
func (a *transformAction) Capability() string { return "data" }
func (a *transformAction) Reversible() bool   { return false }

func (a *transformAction) Run(_ context.Context, in ActionInput) (*ActionResult, error) {
	out := make(map[string]interface{}, len(in.Params))
	for key := range in.Params {
		out[key] = stringParam(in, key)
	}
	return &ActionResult{Output: out}, nil
}

func (a *transformAction) Revert(context.Context, map[string]interface{}) error {
	return fmt.Errorf("transform actions cannot be reverted")
}

// webhookAction POSTs a JSON payload to params.url. When the response carries
// a Location header the created resource can be reverted with a DELETE.
type webhookAction struct {
	client *http.Client
}

func (a *webhookAction) Type() string       { return "webhook" }
func (a *webhookAction) Capability() string { return "http" }
func (a *webhookAction) Reversible() bool   { return true }

func (a *webhookAction) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	url := stringParam(in, "url")
	if url == "" {
		return nil, fmt.Errorf("webhook action requires a url param")
	}

	payload := map[string]interface{}{"input": in.Input}
	if body, ok := in.Params["body"].(map[string]interface{}); ok {
		payload = make(map[string]interface{}, len(body))
		for k, v := range body {
			if s, ok := v.(string); ok {
				payload[k] = interpolate(s, in)
			} else {
				payload[k] = v
			}
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	out := map[string]interface{}{"status_code": resp.StatusCode}
	var decoded map[string]interface{}
	if json.Unmarshal(respBody, &decoded) == nil {
		out["response"] = decoded
	}

	var revert map[string]interface{}
	if loc := resp.Header.Get("Location"); loc != "" {
		revert = map[string]interface{}{"delete_url": loc}
	}
	return &ActionResult{Output: out, RevertData: revert}, nil
}

func (a *webhookAction) Revert(ctx context.Context, revertData map[string]interface{}) error {
	deleteURL, _ := revertData["delete_url"].(string)
	if deleteURL == "" {
		return fmt.Errorf("webhook revert data has no delete_url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return fmt.Errorf("build webhook revert request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook revert failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("webhook revert returned %d", resp.StatusCode)
	}
	return nil
}

// crmContactAction upserts a contact in the CRM configured on the
// installation (config.crm_base_url). Revert deletes the created contact.
type crmContactAction struct {
	client *http.Client
}

func (a *crmContactAction) Type() string       { return "crm_contact" }
func (a *crmContactAction) Capability() string { return "crm" }
func (a *crmContactAction) Reversible() bool   { return true }

func (a *crmContactAction) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	base, _ := in.Config["crm_base_url"].(string)
	if base == "" {
		return nil, fmt.Errorf("crm_contact action requires crm_base_url in the installation config")
	}

	contact := map[string]interface{}{
		"email": stringParam(in, "email"),
		"name":  stringParam(in, "name"),
	}
	if contact["email"] == "" {
		return nil, fmt.Errorf("crm_contact action requires an email param")
	}
	buf, _ := json.Marshal(contact)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/contacts", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key, _ := in.Config["crm_api_key"].(string); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("crm returned %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&created); err != nil || created.ID == "" {
		return &ActionResult{Output: map[string]interface{}{"contact": contact}}, nil
	}

	return &ActionResult{
		Output: map[string]interface{}{"contact_id": created.ID},
		RevertData: map[string]interface{}{
			"contact_url": base + "/contacts/" + created.ID,
			"api_key":     in.Config["crm_api_key"],
		},
	}, nil
}

func (a *crmContactAction) Revert(ctx context.Context, revertData map[string]interface{}) error {
	contactURL, _ := revertData["contact_url"].(string)
	if contactURL == "" {
		return fmt.Errorf("crm revert data has no contact_url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, contactURL, nil)
	if err != nil {
		return fmt.Errorf("build crm revert request: %w", err)
	}
	if key, _ := revertData["api_key"].(string); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm revert failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("crm revert returned %d", resp.StatusCode)
	}
	return nil
}
