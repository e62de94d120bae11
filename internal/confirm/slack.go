package confirm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackMaxRetries is the max number of retries for rate-limited API calls.
const slackMaxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a SlackNotifier.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// SlackNotifier posts notices to a Slack channel.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// NewSlackNotifier creates a SlackNotifier.
func NewSlackNotifier(opts SlackOpts) (*SlackNotifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("confirm: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("confirm: slack channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &SlackNotifier{client: client, channelID: opts.ChannelID}, nil
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	options := slackMessageOptions(n)
	err := slackRetryOnRateLimit(ctx, func() error {
		_, _, err := s.client.PostMessage(s.channelID, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("confirm: slack post to %s: %w", s.channelID, err)
	}
	return nil
}

func slackMessageOptions(n Notice) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    n.Title,
		Text:     n.Text,
		Color:    n.Color,
		Fallback: n.Title,
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(n.Title, false),
		slackapi.MsgOptionAttachments(att),
	}
}

// slackRetryOnRateLimit calls fn and retries on Slack rate limit errors,
// honouring RetryAfter and context cancellation.
func slackRetryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == slackMaxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
