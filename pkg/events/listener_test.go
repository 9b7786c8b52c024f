package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/models"
)

func TestListener_DispatchToSubscribers(t *testing.T) {
	l := NewListener("unused", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, cancel := l.Subscribe("req-1")
	defer cancel()
	other, cancelOther := l.Subscribe("req-2")
	defer cancelOther()

	l.dispatch(&Event{ID: 1, RequestID: "req-1", Type: TypeStageStatus, StageKind: models.StageSummarizer})

	select {
	case evt := <-ch:
		assert.Equal(t, int64(1), evt.ID)
		assert.Equal(t, models.StageSummarizer, evt.StageKind)
	default:
		t.Fatal("subscriber did not receive event")
	}
	assert.Empty(t, other, "event leaked to another request's subscriber")
}

func TestListener_CancelStopsDelivery(t *testing.T) {
	l := NewListener("unused", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, cancel := l.Subscribe("req-1")
	cancel()
	// Idempotent.
	cancel()

	l.dispatch(&Event{ID: 1, RequestID: "req-1"})

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")
}

func TestListener_SlowSubscriberDoesNotBlock(t *testing.T) {
	l := NewListener("unused", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, cancel := l.Subscribe("req-1")
	defer cancel()

	// Overfill the buffer; dispatch must drop rather than block.
	for i := 0; i < subscriberBuffer+10; i++ {
		l.dispatch(&Event{ID: int64(i + 1), RequestID: "req-1"})
	}

	require.Len(t, ch, subscriberBuffer)
}

func TestSubscriptionChannel(t *testing.T) {
	assert.Equal(t, "pipeline:abc", SubscriptionChannel("abc"))
}
