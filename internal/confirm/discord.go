package confirm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordMaxRetries is the max number of retries for rate-limited API calls.
const discordMaxRetries = 3

// discordSession abstracts the discordgo.Session methods we use.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts holds parameters for creating a DiscordNotifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session.
	Session discordSession
	// Backoff is the base wait after a rate limit. Defaults to one second.
	Backoff time.Duration
}

// DiscordNotifier posts notices to a Discord channel as embeds.
type DiscordNotifier struct {
	sess      discordSession
	channelID string
	backoff   time.Duration
}

// NewDiscordNotifier creates a DiscordNotifier. Only the REST API is used, so
// no gateway connection is opened.
func NewDiscordNotifier(opts DiscordOpts) (*DiscordNotifier, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("confirm: discord bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("confirm: discord channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("confirm: discord session: %w", err)
		}
		sess = dg
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &DiscordNotifier{sess: sess, channelID: opts.ChannelID, backoff: backoff}, nil
}

func (d *DiscordNotifier) Notify(ctx context.Context, n Notice) error {
	data := &discordgo.MessageSend{
		Content: n.Title,
		Embeds:  []*discordgo.MessageEmbed{noticeEmbed(n)},
	}
	var err error
	for attempt := 0; ; attempt++ {
		_, err = d.sess.ChannelMessageSendComplex(d.channelID, data)
		if err == nil || !isDiscordRateLimit(err) || attempt == discordMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff << attempt):
		}
	}
	if err != nil {
		return fmt.Errorf("confirm: discord send to %s: %w", d.channelID, err)
	}
	return nil
}

func isDiscordRateLimit(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	return ok && restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests
}

func noticeEmbed(n Notice) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Text,
		Color:       parseHexColor(n.Color),
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
