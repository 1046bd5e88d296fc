package ignition

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAction posts a message to a Slack channel. Revert deletes the posted
// message.
type SlackAction struct {
	client *slack.Client
	logger *zap.Logger
}

// NewSlackAction creates the slack_message handler. botToken is the Bot User
// OAuth Token (xoxb-...); an empty token leaves the handler registered but
// failing with a clear error so imports still validate.
func NewSlackAction(botToken string, logger *zap.Logger) *SlackAction {
	a := &SlackAction{logger: logger}
	if botToken != "" {
		a.client = slack.New(botToken)
	}
	return a
}

func (a *SlackAction) Type() string       { return "slack_message" }
func (a *SlackAction) Capability() string { return "slack" }
func (a *SlackAction) Reversible() bool   { return true }

func (a *SlackAction) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	if a.client == nil {
		return nil, fmt.Errorf("slack is not configured on this platform")
	}
	channel := stringParam(in, "channel")
	if channel == "" {
		channel, _ = in.Config["slack_channel"].(string)
	}
	if channel == "" {
		return nil, fmt.Errorf("slack_message action requires a channel")
	}
	text := stringParam(in, "message")
	if text == "" {
		return nil, fmt.Errorf("slack_message action requires a message")
	}

	chID, ts, err := a.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return nil, fmt.Errorf("post slack message: %w", err)
	}
	a.logger.Debug("posted slack message", zap.String("channel", chID), zap.String("ts", ts))

	return &ActionResult{
		Output:     map[string]interface{}{"channel": chID, "ts": ts},
		RevertData: map[string]interface{}{"channel": chID, "ts": ts},
	}, nil
}

func (a *SlackAction) Revert(ctx context.Context, revertData map[string]interface{}) error {
	if a.client == nil {
		return fmt.Errorf("slack is not configured on this platform")
	}
	channel, _ := revertData["channel"].(string)
	ts, _ := revertData["ts"].(string)
	if channel == "" || ts == "" {
		return fmt.Errorf("slack revert data is missing channel or ts")
	}
	if _, _, err := a.client.DeleteMessageContext(ctx, channel, ts); err != nil {
		return fmt.Errorf("delete slack message: %w", err)
	}
	return nil
}
