// Package notify forwards critical alerts to operators.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/logging"
)

// Notifier receives the CRITICA alerts of a run. Implementations ignore an
// empty alert list.
type Notifier interface {
	NotifyCritical(ctx context.Context, runID string, alerts []api.Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Logger *logging.Logger
}

func (n LogNotifier) NotifyCritical(_ context.Context, runID string, alerts []api.Alert) error {
	logger := logging.OrDiscard(n.Logger)
	for _, a := range alerts {
		logger.Warn("run %s %s %s: %s %s", runID, a.Type.Label(), a.Date.Format("2006-01-02"), a.Message, a.Action)
	}
	return nil
}

// poster is the subset of *slack.Client used here.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts alerts to a channel.
type SlackNotifier struct {
	client  poster
	channel string
}

func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token, opts...), channel: channel}
}

func (n *SlackNotifier) NotifyCritical(ctx context.Context, runID string, alerts []api.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	summary := fmt.Sprintf("%d alertas críticas de demanda (run %s)", len(alerts), runID)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, summary, false, false)),
	}
	for _, a := range alerts {
		text := fmt.Sprintf("*%s* (%s): %s\n_%s_", a.Date.Format("2006-01-02"), a.Weekday, a.Message, a.Action)
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(summary, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", n.channel, err)
	}
	return nil
}

// Multi fans out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) NotifyCritical(ctx context.Context, runID string, alerts []api.Alert) error {
	var msgs []string
	for _, n := range m {
		if err := n.NotifyCritical(ctx, runID, alerts); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(msgs, "; "))
	}
	return nil
}
