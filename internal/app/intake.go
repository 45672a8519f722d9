package app

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mediabot/internal/admission"
	"mediabot/internal/alerts"
	"mediabot/internal/plan"
	"mediabot/internal/ratelimit"
	"mediabot/internal/task/engine"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
	"mediabot/pkg/tgui"
)

// Request is one inbound chat message on its way through the handler chain.
type Request struct {
	Msg     transport.Message
	Chat    transport.ChatTarget
	UserID  int64
	Command string
	Args    []string
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("user_id", req.UserID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				log.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				log.Info("request ok", fields...)
			default:
				log.Debug("request ok", fields...)
			}
			return err
		}
	}
}

const (
	replyQueued   = "📥 Added to the queue."
	replyStopping = "The bot is restarting, please try again in a minute."
	replyFailed   = "Something went wrong, please try again later."
	replyNoURL    = "Send a link, optionally after /audio, /video or /subs."
	replyReported = "Thanks, the operator has been notified."

	maxComplaintRunes = 1000
)

const helpText = `<b>Send a link to download it.</b>

/audio URL [bitrate] - audio only, e.g. 320k
/video URL [quality] - video, e.g. 720p
/subs URL - subtitles
Add a range like 1:30-2:45 to cut a section.

/status - your plan and remaining downloads
/cancel - cancel your queued downloads
/report TEXT - tell the operator about a problem`

// Intake turns chat messages into admission requests.
type Intake struct {
	gate    *admission.Gate
	engine  *engine.Service
	limiter *ratelimit.Limiter
	plans   *plan.Registry
	alerts  *alerts.Manager
	reply   transport.Notifier
	log     logx.Logger

	users atomic.Pointer[map[int64]string]
	admin atomic.Pointer[transport.ChatTarget]

	handle HandlerFunc
}

type intakeDeps struct {
	Gate    *admission.Gate
	Engine  *engine.Service
	Limiter *ratelimit.Limiter
	Plans   *plan.Registry
	Alerts  *alerts.Manager
	Reply   transport.Notifier
	Log     logx.Logger
}

func newIntake(d intakeDeps, users map[int64]string, admin transport.ChatTarget) *Intake {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	in := &Intake{
		gate:    d.Gate,
		engine:  d.Engine,
		limiter: d.Limiter,
		plans:   d.Plans,
		alerts:  d.Alerts,
		reply:   d.Reply,
		log:     log.With(logx.String("comp", "intake")),
	}
	in.SetUsers(users)
	in.SetAdmin(admin)
	in.handle = Chain(in.dispatch,
		mwRequestLog(in.log),
		mwRecover(in.log),
		mwTimeout(15*time.Second),
	)
	return in
}

// SetUsers replaces the user id -> plan assignments.
func (in *Intake) SetUsers(users map[int64]string) {
	cp := make(map[int64]string, len(users))
	for k, v := range users {
		cp[k] = v
	}
	in.users.Store(&cp)
}

func (in *Intake) SetAdmin(t transport.ChatTarget) { in.admin.Store(&t) }

// PlanFor returns the plan name assigned to userID, or "" for the default.
func (in *Intake) PlanFor(userID int64) string {
	if m := in.users.Load(); m != nil {
		return (*m)[userID]
	}
	return ""
}

// Run handles updates until ctx ends or the channel closes.
func (in *Intake) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			_ = in.Handle(ctx, *up.Message)
		}
	}
}

// Handle processes one message.
func (in *Intake) Handle(ctx context.Context, m transport.Message) error {
	cmd, args := splitCommand(m.Text)
	return in.handle(ctx, &Request{
		Msg:     m,
		Chat:    m.Target(),
		UserID:  m.FromID,
		Command: cmd,
		Args:    args,
	})
}

func (in *Intake) dispatch(ctx context.Context, req *Request) error {
	switch req.Command {
	case "start", "help":
		return in.send(ctx, req.Chat, helpText)
	case "audio":
		return in.download(ctx, req, plan.KindAudio)
	case "video":
		return in.download(ctx, req, plan.KindVideo)
	case "subs", "subtitle":
		return in.download(ctx, req, plan.KindSubtitle)
	case "":
		return in.download(ctx, req, plan.KindVideo)
	case "cancel":
		n := in.engine.CancelUser(req.UserID)
		return in.send(ctx, req.Chat, fmt.Sprintf("Canceled %d download(s).", n))
	case "status", "plan":
		return in.status(ctx, req)
	case "report":
		return in.complaint(ctx, req)
	case "stats":
		return in.stats(ctx, req)
	}
	return nil
}

func (in *Intake) download(ctx context.Context, req *Request, kind plan.Kind) error {
	dl, ok := parseDownload(req.Args)
	if !ok {
		if req.Command == "" {
			// Plain chatter without a link.
			return nil
		}
		return in.send(ctx, req.Chat, replyNoURL)
	}
	t := engine.Task{
		UserID:  req.UserID,
		Chat:    req.Chat,
		URL:     dl.URL,
		Kind:    kind,
		Quality: dl.Quality,
		Bitrate: dl.Bitrate,
		Range:   dl.Range,
	}
	res, err := in.gate.Admit(ctx, t, in.PlanFor(req.UserID))
	switch {
	case err != nil && admission.IsStopped(err):
		return in.send(ctx, req.Chat, replyStopping)
	case err != nil:
		_ = in.send(ctx, req.Chat, replyFailed)
		return err
	case !res.Admitted:
		return in.send(ctx, req.Chat, admission.Explain(res))
	}
	return in.send(ctx, req.Chat, replyQueued)
}

func (in *Intake) status(ctx context.Context, req *Request) error {
	limits := in.plans.Resolve(in.PlanFor(req.UserID))
	today := "unlimited"
	if !limits.Unlimited() {
		left, err := in.limiter.Remaining(ctx, req.UserID, limits)
		if err != nil {
			return err
		}
		today = fmt.Sprintf("%d of %d downloads left", left, *limits.DailyLimit)
	}
	return in.send(ctx, req.Chat, tgui.Lines(
		tgui.Field("Plan", limits.Name),
		tgui.Field("Interval", limits.RateLimit.String()+" between requests"),
		tgui.Field("Today", today),
	).String())
}

func (in *Intake) complaint(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		return in.send(ctx, req.Chat, "Usage: /report TEXT")
	}
	if _, err := in.alerts.UserComplaint(ctx, req.UserID, tgui.Trunc(text, maxComplaintRunes)); err != nil {
		return err
	}
	return in.send(ctx, req.Chat, replyReported)
}

// stats answers in the admin chat only.
func (in *Intake) stats(ctx context.Context, req *Request) error {
	admin := in.admin.Load()
	if admin == nil || admin.IsZero() || req.Chat.ChatID != admin.ChatID {
		return nil
	}
	snap := in.engine.Snapshot()
	parts := []tgui.H{
		tgui.Field("Queue", fmt.Sprintf("%d waiting, %d running, %d retrying (%d workers)", snap.Queued, snap.Running, snap.Retrying, snap.Workers)),
		tgui.Field("Finished", fmt.Sprintf("✅ %d  ❌ %d  ⛔ %d  🔁 %d", snap.Succeeded, snap.Failed, snap.Canceled, snap.Retries)),
	}
	if active := in.alerts.Active(); len(active) > 0 {
		parts = append(parts, tgui.B("Active alerts:"))
		for _, a := range active {
			parts = append(parts, "• "+tgui.Esc(a.Title))
		}
	}
	return in.send(ctx, req.Chat, tgui.Lines(parts...).String())
}

func (in *Intake) send(ctx context.Context, to transport.ChatTarget, text string) error {
	return in.reply.Notify(ctx, to, text, transport.SeverityInfo)
}

// splitCommand returns the lowercased command without slash and bot suffix,
// or "" for plain text, plus the remaining fields.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	if !strings.HasPrefix(fields[0], "/") {
		return "", fields
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

type downloadArgs struct {
	URL     string
	Quality string
	Bitrate string
	Range   *engine.TimeRange
}

var (
	qualityRe = regexp.MustCompile(`^(?i)(\d{3,4}p|best|worst)$`)
	bitrateRe = regexp.MustCompile(`^(?i)\d{2,3}k$`)
	rangeRe   = regexp.MustCompile(`^([\d:]+)-([\d:]+)$`)
)

// parseDownload picks the first http(s) link and the optional quality,
// bitrate and range arguments.
func parseDownload(args []string) (downloadArgs, bool) {
	var out downloadArgs
	for _, a := range args {
		switch {
		case out.URL == "" && isLink(a):
			out.URL = a
		case qualityRe.MatchString(a):
			out.Quality = strings.ToLower(a)
		case bitrateRe.MatchString(a):
			out.Bitrate = strings.ToLower(a)
		case rangeRe.MatchString(a):
			if r, ok := parseRange(a); ok {
				out.Range = r
			}
		}
	}
	return out, out.URL != ""
}

func isLink(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parseRange(s string) (*engine.TimeRange, bool) {
	m := rangeRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	start, ok1 := parseClock(m[1])
	end, ok2 := parseClock(m[2])
	if !ok1 || !ok2 || end <= start {
		return nil, false
	}
	return &engine.TimeRange{Start: start, End: end}, true
}

// maxClockSeconds is 99:59:59.
const maxClockSeconds = 99*3600 + 59*60 + 59

// parseClock reads "ss", "mm:ss" or "hh:mm:ss".
func parseClock(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	var d int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (i > 0 && n > 59) {
			return 0, false
		}
		d = d*60 + n
		if d > maxClockSeconds {
			return 0, false
		}
	}
	return time.Duration(d) * time.Second, true
}
