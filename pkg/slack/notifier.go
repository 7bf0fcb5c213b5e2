// Package slack posts operational notifications — dangerous-verb executions
// and cluster-wide cache deletes — to an ops channel.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to the configured ops channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyDangerousQuery announces a destructive SQL submission.
func (n *Notifier) NotifyDangerousQuery(user, query string, clouds []string) {
	text := fmt.Sprintf(":warning: *Destructive SQL executed* by `%s` on `%s`:\n```%s```",
		user, strings.Join(clouds, ", "), truncate(query, 500))
	n.post(text)
}

// NotifyCacheDelete announces a cluster-wide key deletion.
func (n *Notifier) NotifyCacheDelete(user, pattern string, clouds []string, deleted int) {
	text := fmt.Sprintf(":wastebasket: *Cache delete* by `%s` on `%s`: pattern `%s`, %d keys removed",
		user, strings.Join(clouds, ", "), pattern, deleted)
	n.post(text)
}

func (n *Notifier) post(text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting to slack", "error", err)
		return
	}
	n.logger.Info("posted ops notification to slack", "channel", n.channel)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
