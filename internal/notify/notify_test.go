// SPDX-License-Identifier: MIT

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/config"
)

// recorder is a Dispatcher double that remembers what it was handed.
type recorder struct {
	fail     error
	messages []Message
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Dispatch(_ context.Context, msg Message) error {
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, msg)
	return nil
}

func TestNotifierFiltersByLevel(t *testing.T) {
	rec := &recorder{}
	n := New()
	n.Register(rec, []string{"warning", "error"})

	ctx := context.Background()
	n.Send(ctx, Message{Level: LevelSummary, Title: "run complete"})
	n.Send(ctx, Message{Level: LevelWarning, Title: "disk nearly full"})
	n.Send(ctx, Message{Level: LevelError, Title: "run failed"})

	require.Len(t, rec.messages, 2)
	require.Equal(t, LevelWarning, rec.messages[0].Level)
	require.Equal(t, LevelError, rec.messages[1].Level)
}

func TestEmptyFilterPassesEverything(t *testing.T) {
	rec := &recorder{}
	n := New()
	n.Register(rec, nil)

	ctx := context.Background()
	for _, l := range []Level{LevelSummary, LevelActivity, LevelWarning, LevelError} {
		n.Send(ctx, Message{Level: l})
	}
	require.Len(t, rec.messages, 4)
}

func TestRegisterDropsUnknownLevels(t *testing.T) {
	rec := &recorder{}
	n := New()
	n.Register(rec, []string{"warning", "loud"})

	ctx := context.Background()
	n.Send(ctx, Message{Level: LevelSummary})
	n.Send(ctx, Message{Level: LevelWarning})

	require.Len(t, rec.messages, 1)
	require.Equal(t, LevelWarning, rec.messages[0].Level)
}

func TestSendSurvivesFailingBackend(t *testing.T) {
	broken := &recorder{fail: errors.New("backend down")}
	healthy := &recorder{}
	n := New()
	n.Register(broken, nil)
	n.Register(healthy, nil)

	n.Send(context.Background(), Message{Level: LevelError, Title: "run failed"})
	require.Len(t, healthy.messages, 1)
}

func TestFromSettings(t *testing.T) {
	none := FromSettings(&config.Settings{NotificationType: config.NotifyNone})
	require.Empty(t, none.targets)

	system := FromSettings(&config.Settings{
		NotificationType: config.NotifySystem,
		UnraidLevels:     []string{"summary", "error"},
	})
	require.Len(t, system.targets, 1)
	require.True(t, system.targets[0].accepts(LevelSummary))
	require.False(t, system.targets[0].accepts(LevelActivity))

	both := FromSettings(&config.Settings{
		NotificationType: config.NotifyBoth,
		UnraidLevels:     []string{"error"},
		WebhookLevels:    []string{"error", "warning"},
	})
	require.Len(t, both.targets, 1)
	require.True(t, both.targets[0].accepts(LevelWarning))
	require.True(t, both.targets[0].accepts(LevelError))
	require.False(t, both.targets[0].accepts(LevelSummary))
}

func TestLogDispatcherSeverities(t *testing.T) {
	var buf bytes.Buffer
	d := &LogDispatcher{logger: zerolog.New(&buf)}

	require.NoError(t, d.Dispatch(context.Background(), Message{
		Level: LevelError,
		Title: "run failed",
		Body:  "3 of 7 moves failed",
	}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "error", entry["notification_level"])
	require.Equal(t, "run failed", entry["title"])
	require.Equal(t, "3 of 7 moves failed", entry["message"])

	buf.Reset()
	require.NoError(t, d.Dispatch(context.Background(), Message{Level: LevelSummary, Title: "run complete"}))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])

	buf.Reset()
	require.NoError(t, d.Dispatch(context.Background(), Message{Level: LevelWarning, Title: "disk nearly full"}))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
}
