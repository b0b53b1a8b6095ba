package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/trusch/testforeman/pkg/config"
	"github.com/trusch/testforeman/pkg/table"
	"go.uber.org/multierr"
)

// Notifier reports how the work was distributed once a run is over.
type Notifier interface {
	SendRunSummary(ctx context.Context, nodes []table.NodeCount) error
}

// Summary is the webhook payload.
type Summary struct {
	Nodes  []NodeSummary `json:"nodes"`
	Claims int           `json:"claims"`
}

type NodeSummary struct {
	Node   string `json:"node"`
	Claims int    `json:"claims"`
}

func NewNotifier(notifications []config.NotificationConfig) Notifier {
	return &defaultNotifierType{
		notifications: notifications,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		slackURL: slack.APIURL,
	}
}

type defaultNotifierType struct {
	notifications []config.NotificationConfig
	httpClient    *http.Client
	slackURL      string
}

// SendRunSummary sends to every configured target and returns the combined
// errors of those that failed.
func (n *defaultNotifierType) SendRunSummary(ctx context.Context, nodes []table.NodeCount) (err error) {
	summary := newSummary(nodes)
	for _, notification := range n.notifications {
		var sendErr error
		switch notification.Type {
		case config.NotificationTypeWebhook:
			cfg, cfgErr := notification.GetWebhookConfig()
			if cfgErr != nil {
				sendErr = cfgErr
				break
			}
			sendErr = n.sendSummaryToWebhook(ctx, summary, cfg)
		case config.NotificationTypeSlack:
			cfg, cfgErr := notification.GetSlackConfig()
			if cfgErr != nil {
				sendErr = cfgErr
				break
			}
			sendErr = n.sendSummaryToSlack(ctx, summary, cfg)
		default:
			sendErr = fmt.Errorf("%w: %q", config.ErrUnknownNotificationType, notification.Type)
		}
		if sendErr != nil {
			log.Error().Str("type", string(notification.Type)).Err(sendErr).Msg("failed to send run summary")
			err = multierr.Append(err, sendErr)
		}
	}
	return err
}

func newSummary(nodes []table.NodeCount) Summary {
	summary := Summary{Nodes: make([]NodeSummary, 0, len(nodes))}
	for _, node := range nodes {
		summary.Nodes = append(summary.Nodes, NodeSummary{Node: node.Node, Claims: node.Claims})
		summary.Claims += node.Claims
	}
	return summary
}

func (n *defaultNotifierType) sendSummaryToWebhook(ctx context.Context, summary Summary, cfg config.WebhookConfig) error {
	log.Info().
		Str("method", cfg.Method).
		Str("url", cfg.URL).
		Msg("calling webhook")
	bs, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	r, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(bs))
	if err != nil {
		return err
	}
	for key, values := range cfg.Headers {
		for _, v := range values {
			r.Header.Add(key, v)
		}
	}
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	resp, err := n.httpClient.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (n *defaultNotifierType) sendSummaryToSlack(ctx context.Context, summary Summary, cfg config.SlackConfig) error {
	log.Info().
		Str("channel", cfg.Channel).
		Msg("sending slack message")

	attachment := slack.Attachment{
		Title: "RUN FINISHED",
		Color: "good",
		Text:  fmt.Sprintf("%d items were handed out to %d nodes", summary.Claims, len(summary.Nodes)),
	}
	for _, node := range summary.Nodes {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: node.Node,
			Value: strconv.Itoa(node.Claims),
			Short: true,
		})
	}
	for _, field := range cfg.MessageFields {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: field.Key,
			Value: field.Value,
		})
	}

	api := slack.New(cfg.Token, slack.OptionAPIURL(n.slackURL), slack.OptionHTTPClient(n.httpClient))
	_, _, err := api.PostMessageContext(
		ctx,
		cfg.Channel,
		slack.MsgOptionAsUser(true),
		slack.MsgOptionAttachments(attachment),
	)
	return err
}
