package confirm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/pkgyard/internal/session"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func TestSwitch_RoutesByStrategy(t *testing.T) {
	var presented []Request
	ui := PresenterFunc(func(_ context.Context, req Request) error {
		presented = append(presented, req)
		return nil
	})
	notifier := &recordingNotifier{}
	sw := &Switch{UI: ui, Notifier: notifier}

	immediate := Request{SessionID: session.NewID(), Operation: session.Install, Confirmation: session.ConfirmImmediate}
	deferred := Request{SessionID: session.NewID(), Operation: session.Uninstall, Confirmation: session.ConfirmDeferred}

	if err := sw.Present(context.Background(), immediate); err != nil {
		t.Fatalf("Present(immediate): %v", err)
	}
	if err := sw.Present(context.Background(), deferred); err != nil {
		t.Fatalf("Present(deferred): %v", err)
	}

	if len(presented) != 1 || presented[0].SessionID != immediate.SessionID {
		t.Errorf("UI got %v, want only the immediate request", presented)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("notifier got %d notices, want 1", len(notifier.notices))
	}
	if got := notifier.notices[0].Title; got != "notification.uninstall.title" {
		t.Errorf("notice title = %q, want default uninstall key", got)
	}
}

func TestSwitch_MissingSinks(t *testing.T) {
	sw := &Switch{}
	err := sw.Present(context.Background(), Request{Confirmation: session.ConfirmImmediate})
	if !errors.Is(err, ErrNoPresenter) {
		t.Errorf("immediate without UI: err = %v, want ErrNoPresenter", err)
	}
	if err := sw.Present(context.Background(), Request{Confirmation: session.ConfirmDeferred}); err == nil {
		t.Error("deferred without notifier should fail")
	}
}

func TestRender_ResolvesResources(t *testing.T) {
	req := Request{
		SessionID: session.NewID(),
		Operation: session.Install,
		Name:      "maps.apk",
		Token:     "tok-1",
		Notification: session.NotificationData{
			Title: session.Resource("install.title", "Maps"),
			Text:  session.Literal("Tap to install"),
		},
	}
	n := Render(req, func(key string, args ...string) string {
		return strings.ToUpper(key) + " " + strings.Join(args, ",")
	})

	if n.Title != "INSTALL.TITLE Maps" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Text != "Tap to install" {
		t.Errorf("Text = %q", n.Text)
	}
	if n.Icon != "install" {
		t.Errorf("Icon = %q, want default", n.Icon)
	}
	var names []string
	for _, f := range n.Fields {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "Session,Operation,Name,Token" {
		t.Errorf("fields = %s", got)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("webhook down")}
	err := Multi{bad, ok}.Notify(context.Background(), Notice{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "webhook down") {
		t.Errorf("err = %v, want webhook down", err)
	}
	if len(ok.notices) != 1 {
		t.Error("healthy notifier skipped after a failure")
	}
}

type mockSlack struct {
	calls    int
	rateHits int
	channel  string
}

func (m *mockSlack) PostMessage(channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	m.channel = channelID
	if m.rateHits > 0 {
		m.rateHits--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	return channelID, "1700000000.000100", nil
}

func TestSlackNotifier(t *testing.T) {
	client := &mockSlack{rateHits: 1}
	n, err := NewSlackNotifier(SlackOpts{ChannelID: "C123", Client: client})
	if err != nil {
		t.Fatalf("NewSlackNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), Notice{Title: "Install pending"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 (one rate-limited retry)", client.calls)
	}
	if client.channel != "C123" {
		t.Errorf("channel = %q", client.channel)
	}
}

func TestNewSlackNotifier_Validation(t *testing.T) {
	if _, err := NewSlackNotifier(SlackOpts{ChannelID: "C1"}); err == nil {
		t.Error("missing token should fail")
	}
	if _, err := NewSlackNotifier(SlackOpts{BotToken: "xoxb-1"}); err == nil {
		t.Error("missing channel should fail")
	}
}

type mockDiscord struct {
	sent     []*discordgo.MessageSend
	rateHits int
}

func (m *mockDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.rateHits > 0 {
		m.rateHits--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	}
	m.sent = append(m.sent, data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func TestDiscordNotifier(t *testing.T) {
	sess := &mockDiscord{rateHits: 2}
	n, err := NewDiscordNotifier(DiscordOpts{ChannelID: "D1", Session: sess, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewDiscordNotifier: %v", err)
	}
	notice := Notice{Title: "Uninstall pending", Color: "#36a64f", Fields: []Field{{Name: "Session", Value: "x", Short: true}}}
	if err := n.Notify(context.Background(), notice); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	embed := sess.sent[0].Embeds[0]
	if embed.Color != 0x36a64f {
		t.Errorf("Color = %#x, want %#x", embed.Color, 0x36a64f)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestDiscordNotifier_GivesUpAfterRetries(t *testing.T) {
	sess := &mockDiscord{rateHits: 10}
	n, _ := NewDiscordNotifier(DiscordOpts{ChannelID: "D1", Session: sess, Backoff: time.Microsecond})
	if err := n.Notify(context.Background(), Notice{Title: "x"}); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (&LogNotifier{}).Notify(context.Background(), Notice{Title: "t"}); err != nil {
		t.Errorf("LogNotifier.Notify: %v", err)
	}
}
