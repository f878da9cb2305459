package sender_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/sender"
)

func TestClient_HasConsumerFalseBeforeStart(t *testing.T) {
	c := sender.NewClient(sender.ClientConfig{
		Addr:     "127.0.0.1:0",
		CertPath: "/nonexistent/cert.pem",
		KeyPath:  "/nonexistent/key.pem",
		CAPath:   "/nonexistent/ca.pem",
	}, metrics.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	if c.HasConsumer() {
		t.Error("HasConsumer() = true before Start, want false")
	}
}

func TestClient_ConsumeWithoutConnectionDropsAndErrors(t *testing.T) {
	c := sender.NewClient(sender.ClientConfig{
		Addr:     "127.0.0.1:0",
		CertPath: "/nonexistent/cert.pem",
		KeyPath:  "/nonexistent/key.pem",
		CAPath:   "/nonexistent/ca.pem",
	}, metrics.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := c.Consume([]byte("hit")); err == nil {
		t.Error("Consume() with no active stream: expected error, got nil")
	}
}
