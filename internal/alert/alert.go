package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Alerter notifies operators about outcomes that need a human, such as a
// payment that was matched but could not be confirmed downstream.
type Alerter interface {
	Alert(ctx context.Context, msg string)
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Alert(context.Context, string) {}

// Discord posts alerts to a single channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is not set")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel ID is not set")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger.Named("alert")}, nil
}

// Alert sends msg; failures are logged, never returned.
func (d *Discord) Alert(ctx context.Context, msg string) {
	if _, err := d.session.ChannelMessageSend(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		d.logger.Warn("Failed to send Discord alert", zap.Error(err))
	}
}
