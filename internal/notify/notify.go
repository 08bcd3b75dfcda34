// SPDX-License-Identifier: MIT

// Package notify carries run outcomes to the operator. Backends implement
// Dispatcher; the Notifier fans a message out to every registered backend
// whose level filter accepts it. The shipped backend writes through
// zerolog, which is where host-level notification systems pick the
// messages up.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/log"
)

// Level classifies a notification.
type Level string

const (
	// LevelSummary is the end-of-run digest.
	LevelSummary Level = "summary"

	// LevelActivity reports individual file operations.
	LevelActivity Level = "activity"

	// LevelWarning reports degraded but non-fatal conditions.
	LevelWarning Level = "warning"

	// LevelError reports run or operation failures.
	LevelError Level = "error"
)

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelSummary, LevelActivity, LevelWarning, LevelError:
		return Level(s), true
	}
	return "", false
}

// Message is one notification.
type Message struct {
	Level Level
	Title string
	Body  string
}

// Dispatcher delivers messages to one backend.
type Dispatcher interface {
	// Name identifies the backend in logs.
	Name() string

	// Dispatch delivers one message.
	Dispatch(ctx context.Context, msg Message) error
}

type target struct {
	dispatcher Dispatcher
	levels     map[Level]struct{}
}

func (t target) accepts(l Level) bool {
	if len(t.levels) == 0 {
		return true
	}
	_, ok := t.levels[l]
	return ok
}

// Notifier fans messages out to the registered backends. A notifier with
// no backends swallows everything, which is the configured-off state.
type Notifier struct {
	logger  zerolog.Logger
	targets []target
}

// New builds an empty notifier.
func New() *Notifier {
	return &Notifier{logger: log.WithComponent("notify")}
}

// Register adds a backend. levels filters what it receives; unknown level
// strings are dropped with a warning and an empty filter passes everything.
func (n *Notifier) Register(d Dispatcher, levels []string) {
	t := target{dispatcher: d}
	for _, s := range levels {
		l, ok := ParseLevel(s)
		if !ok {
			n.logger.Warn().
				Str("event", "notify.bad_level").
				Str("backend", d.Name()).
				Str("level", s).
				Msg("unknown notification level in config, ignoring")
			continue
		}
		if t.levels == nil {
			t.levels = make(map[Level]struct{})
		}
		t.levels[l] = struct{}{}
	}
	n.targets = append(n.targets, t)
}

// Send delivers msg to every backend whose filter accepts its level.
// Backend failures are logged, never propagated: a notification must not
// fail the run it reports on.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	for _, t := range n.targets {
		if !t.accepts(msg.Level) {
			continue
		}
		if err := t.dispatcher.Dispatch(ctx, msg); err != nil {
			n.logger.Warn().Err(err).
				Str("event", "notify.dispatch_failed").
				Str("backend", t.dispatcher.Name()).
				Str("notification_level", string(msg.Level)).
				Msg("notification backend rejected message")
		}
	}
}

// FromSettings wires the notifier the settings ask for. The system and
// webhook backends both resolve to the log dispatcher, filtered by their
// configured levels; notification_type "none" yields an empty notifier.
func FromSettings(s *config.Settings) *Notifier {
	n := New()
	switch s.NotificationType {
	case config.NotifySystem:
		n.Register(NewLogDispatcher(), s.UnraidLevels)
	case config.NotifyWebhook:
		n.Register(NewLogDispatcher(), s.WebhookLevels)
	case config.NotifyBoth:
		n.Register(NewLogDispatcher(), union(s.UnraidLevels, s.WebhookLevels))
	}
	return n
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// LogDispatcher writes notifications through zerolog.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher builds the zerolog backend.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: log.WithComponent("notify")}
}

// Name implements Dispatcher.
func (d *LogDispatcher) Name() string { return "log" }

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	var evt *zerolog.Event
	switch msg.Level {
	case LevelWarning:
		evt = d.logger.Warn()
	case LevelError:
		evt = d.logger.Error()
	case LevelSummary, LevelActivity:
		evt = d.logger.Info()
	default:
		evt = d.logger.Info()
	}
	evt.
		Str("event", "notify.message").
		Str("notification_level", string(msg.Level)).
		Str("title", msg.Title).
		Msg(msg.Body)
	return nil
}
