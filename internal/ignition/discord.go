package ignition

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAction sends a message to a Discord channel over the bot REST API.
// Revert deletes the sent message.
type DiscordAction struct {
	session *discordgo.Session
	logger  *zap.Logger
}

// NewDiscordAction creates the discord_message handler. No gateway websocket
// is opened; the handler only uses the REST endpoints.
func NewDiscordAction(botToken string, logger *zap.Logger) (*DiscordAction, error) {
	a := &DiscordAction{logger: logger}
	if botToken != "" {
		session, err := discordgo.New("Bot " + botToken)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		a.session = session
	}
	return a, nil
}

func (a *DiscordAction) Type() string       { return "discord_message" }
func (a *DiscordAction) Capability() string { return "discord" }
func (a *DiscordAction) Reversible() bool   { return true }

func (a *DiscordAction) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	if a.session == nil {
		return nil, fmt.Errorf("discord is not configured on this platform")
	}
	channel := stringParam(in, "channel")
	if channel == "" {
		channel, _ = in.Config["discord_channel"].(string)
	}
	if channel == "" {
		return nil, fmt.Errorf("discord_message action requires a channel")
	}
	content := stringParam(in, "message")
	if content == "" {
		return nil, fmt.Errorf("discord_message action requires a message")
	}

	msg, err := a.session.ChannelMessageSend(channel, content, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("send discord message: %w", err)
	}
	a.logger.Debug("sent discord message", zap.String("channel", channel), zap.String("message_id", msg.ID))

	return &ActionResult{
		Output:     map[string]interface{}{"channel": channel, "message_id": msg.ID},
		RevertData: map[string]interface{}{"channel": channel, "message_id": msg.ID},
	}, nil
}

func (a *DiscordAction) Revert(ctx context.Context, revertData map[string]interface{}) error {
	if a.session == nil {
		return fmt.Errorf("discord is not configured on this platform")
	}
	channel, _ := revertData["channel"].(string)
	messageID, _ := revertData["message_id"].(string)
	if channel == "" || messageID == "" {
		return fmt.Errorf("discord revert data is missing channel or message_id")
	}
	if err := a.session.ChannelMessageDelete(channel, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete discord message: %w", err)
	}
	return nil
}
