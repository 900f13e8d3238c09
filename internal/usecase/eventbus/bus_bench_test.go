package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"agentd/internal/domain"
)

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{Type: domain.EventStateChanged, ActorID: "chat/room", Timestamp: time.Now()}

	bus.Subscribe(domain.EventStateChanged, func(context.Context, domain.Event) {})
	for range 10 {
		bus.SubscribeActor("chat/other", func(context.Context, domain.Event) {})
	}

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{Type: domain.EventStateChanged, Timestamp: time.Now()}

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
