package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(64, time.Second, zap.NewNop())

	var (
		mu   sync.Mutex
		seen []string
	)
	var want []string
	for i := 0; i < 50; i++ {
		label := fmt.Sprintf("event-%d", i)
		want = append(want, label)
		d.Enqueue(context.Background(), label, func(context.Context) error {
			// Early events are slower than later ones.
			if i < 5 {
				time.Sleep(5 * time.Millisecond)
			}
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, label)
			return nil
		})
	}

	d.Close()
	assert.Equal(t, want, seen)
}

func TestDispatcherDetachesContext(t *testing.T) {
	d := NewDispatcher(1, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(WithCorrelationID(context.Background(), "req-9"))
	var gotID string
	var gotErr error
	d.Enqueue(ctx, "deleted", func(ctx context.Context) error {
		gotID = CorrelationID(ctx)
		gotErr = ctx.Err()
		return nil
	})
	cancel()

	d.Close()
	assert.Equal(t, "req-9", gotID)
	assert.NoError(t, gotErr)
}

func TestDispatcherDropsWhenFullOrClosed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(1, time.Second, zap.New(core))

	release := make(chan struct{})
	started := make(chan struct{})
	d.Enqueue(context.Background(), "blocking", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran int
	d.Enqueue(context.Background(), "queued", func(context.Context) error { ran++; return nil })
	d.Enqueue(context.Background(), "dropped", func(context.Context) error { ran++; return nil })
	close(release)

	d.Close()
	d.Close()
	d.Enqueue(context.Background(), "late", func(context.Context) error { ran++; return nil })

	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, logs.FilterMessage("Event queue full, dropping event").Len())
	assert.Equal(t, 1, logs.FilterMessage("Event dispatcher closed, dropping event").Len())
}

func TestDispatcherLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d := NewDispatcher(4, time.Second, zap.New(core))

	d.Enqueue(WithCorrelationID(context.Background(), "req-1"), "created", func(context.Context) error {
		return errors.New("channel closed")
	})
	d.Close()

	entries := logs.FilterMessage("Failed to publish event").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	}
}
