package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/admission"
	"mediabot/internal/alerts"
	"mediabot/internal/plan"
	"mediabot/internal/ratelimit"
	"mediabot/internal/task/engine"
	"mediabot/internal/transport"
)

type sent struct {
	chat int64
	text string
}

type outbox struct {
	mu   sync.Mutex
	msgs []sent
}

func (o *outbox) Notify(_ context.Context, to transport.ChatTarget, text string, _ transport.Severity) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, sent{chat: to.ChatID, text: text})
	o.mu.Unlock()
	return nil
}

func (o *outbox) to(chat int64) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, m := range o.msgs {
		if m.chat == chat {
			out = append(out, m.text)
		}
	}
	return out
}

func (o *outbox) last(chat int64) string {
	msgs := o.to(chat)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

const (
	adminChat = -100
	userChat  = 100
)

type fixture struct {
	in     *Intake
	eng    *engine.Service
	box    *outbox
	alerts *alerts.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	plans, err := plan.NewRegistry(plan.Free, plan.Builtin()...)
	require.NoError(t, err)
	box := &outbox{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(0), ratelimit.WithClock(func() time.Time { return now }))
	eng := engine.New(engine.Config{Workers: 1, QueueNoticeAfter: -1},
		engine.ExecutorFunc(func(context.Context, engine.Task) (engine.Outcome, error) { return engine.Outcome{}, nil }),
		engine.WithNotifier(box),
	)
	admin := transport.ChatTarget{ChatID: adminChat}
	mgr := alerts.NewManager(box, admin)
	gate := admission.New(plans, limiter, eng)

	in := newIntake(intakeDeps{
		Gate:    gate,
		Engine:  eng,
		Limiter: limiter,
		Plans:   plans,
		Alerts:  mgr,
		Reply:   box,
	}, map[int64]string{7: plan.VIP}, admin)
	return &fixture{in: in, eng: eng, box: box, alerts: mgr}
}

func (f *fixture) say(t *testing.T, user int64, text string) {
	t.Helper()
	require.NoError(t, f.in.Handle(context.Background(), transport.Message{ChatID: userChat, FromID: user, Text: text}))
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args []string
	}{
		{"/audio@media_bot https://x.test/a", "audio", []string{"https://x.test/a"}},
		{"/Video  https://x.test/v 720p", "video", []string{"https://x.test/v", "720p"}},
		{"look https://x.test/v", "", []string{"look", "https://x.test/v"}},
		{"   ", "", nil},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		assert.Equal(t, tt.cmd, cmd, tt.in)
		assert.Equal(t, tt.args, args, tt.in)
	}
}

func TestParseDownload(t *testing.T) {
	t.Parallel()

	dl, ok := parseDownload([]string{"https://youtu.be/abc", "720P", "320k", "1:30-2:45"})
	require.True(t, ok)
	assert.Equal(t, "https://youtu.be/abc", dl.URL)
	assert.Equal(t, "720p", dl.Quality)
	assert.Equal(t, "320k", dl.Bitrate)
	require.NotNil(t, dl.Range)
	assert.Equal(t, 90*time.Second, dl.Range.Start)
	assert.Equal(t, 165*time.Second, dl.Range.End)

	_, ok = parseDownload([]string{"ftp://x.test/a", "youtu.be/abc"})
	assert.False(t, ok)

	dl, ok = parseDownload([]string{"http://x.test/a", "2:00-1:00"})
	require.True(t, ok)
	assert.Nil(t, dl.Range)

	dl, ok = parseDownload([]string{"http://x.test/a", "0:00-9999999999999:00"})
	require.True(t, ok)
	assert.Nil(t, dl.Range)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"45", 45 * time.Second, true},
		{"1:05", 65 * time.Second, true},
		{"1:00:00", time.Hour, true},
		{"1:2:3:4", 0, false},
		{"a:10", 0, false},
		{"99:59:59", 99*time.Hour + 59*time.Minute + 59*time.Second, true},
		{"1:75", 0, false},
		{"1:00:60", 0, false},
		{"100:00:00", 0, false},
		{"9223372036854775807", 0, false},
		{"9999999999:00", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLinkIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 1, "https://example.com/watch?v=1")
	assert.Equal(t, replyQueued, f.box.last(userChat))
	assert.Equal(t, 1, f.eng.Snapshot().Queued)

	// Chatter without a link is ignored.
	f.say(t, 2, "hello there")
	assert.Len(t, f.box.to(userChat), 1)

	f.say(t, 2, "/audio")
	assert.Equal(t, replyNoURL, f.box.last(userChat))
}

func TestDenialsAreExplained(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 1, "/subs https://example.com/v")
	assert.Contains(t, f.box.last(userChat), "does not include this format")

	f.say(t, 1, "/audio https://example.com/a")
	assert.Equal(t, replyQueued, f.box.last(userChat))
	f.say(t, 1, "/audio https://example.com/b")
	assert.Equal(t, "⏳ Please wait 30s before the next request.", f.box.last(userChat))

	// VIP users may download subtitles.
	f.say(t, 7, "/subs https://example.com/v")
	assert.Equal(t, replyQueued, f.box.last(userChat))
	assert.Equal(t, 2, f.eng.Snapshot().Queued)
}

func TestStopIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.eng.Stop(context.Background()))

	f.say(t, 1, "https://example.com/v")
	assert.Equal(t, replyStopping, f.box.last(userChat))
}

func TestStatusAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 7, "/status")
	out := f.box.last(userChat)
	assert.Contains(t, out, "<b>Plan:</b> vip")
	assert.Contains(t, out, "unlimited")

	f.say(t, 1, "https://example.com/v")
	f.say(t, 1, "/status")
	assert.Contains(t, f.box.last(userChat), "4 of 5 downloads left")

	f.say(t, 1, "/cancel")
	assert.Contains(t, f.box.to(userChat), "Canceled 1 download(s).")
	assert.Equal(t, 0, f.eng.Snapshot().Queued)
}

func TestComplaintAlertsOperator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 1, "/report")
	assert.Equal(t, "Usage: /report TEXT", f.box.last(userChat))

	f.say(t, 1, "/report downloads <never> finish")
	assert.Equal(t, replyReported, f.box.last(userChat))
	admin := f.box.last(adminChat)
	assert.Contains(t, admin, "User complaint")
	assert.Contains(t, admin, "downloads &lt;never&gt; finish")
}

func TestStatsOnlyInAdminChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 1, "/stats")
	assert.Empty(t, f.box.to(userChat))

	require.NoError(t, f.in.Handle(context.Background(), transport.Message{ChatID: adminChat, FromID: 1, Text: "/stats"}))
	out := f.box.last(adminChat)
	assert.True(t, strings.HasPrefix(out, "<b>Queue:</b> 0 waiting"), out)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	updates := make(chan transport.Update, 2)
	updates <- transport.Update{Message: &transport.Message{ChatID: userChat, FromID: 1, Text: "/help"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.in.Run(ctx, updates) }()

	require.Eventually(t, func() bool { return len(f.box.to(userChat)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, helpText, f.box.last(userChat))
	cancel()
	require.NoError(t, <-done)
}
