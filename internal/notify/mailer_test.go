package notify

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	mail "github.com/go-mail/mail/v2"

	"manuscript/api/internal/store"
)

type fakeDirectory struct {
	getUserFn func(ctx context.Context, userID string) (store.User, error)
}

func (f fakeDirectory) GetUser(ctx context.Context, userID string) (store.User, error) {
	return f.getUserFn(ctx, userID)
}

func configured() Config {
	return Config{Host: "smtp.example.com", Port: 587, From: "Review Desk <desk@example.com>"}
}

func TestConfigIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com"}, expected: false},
		{name: "missing host", config: Config{From: "desk@example.com"}, expected: false},
		{name: "fully configured", config: configured(), expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDeliverRendersAndSends(t *testing.T) {
	directory := fakeDirectory{getUserFn: func(_ context.Context, userID string) (store.User, error) {
		return store.User{ID: userID, DisplayName: "Ada", Email: "ada@example.com"}, nil
	}}
	mailer := NewMailer(configured(), directory, nil)

	var sent *mail.Message
	mailer.send = func(m *mail.Message) error {
		sent = m
		return nil
	}

	err := mailer.Deliver(context.Background(), "u1", KindAdmitted, Payload{
		ManuscriptID: "ms_1",
		Title:        "On Graphs",
		VenueName:    "Journal of Graphs",
		Note:         "Well argued.",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if sent == nil {
		t.Fatal("expected a message to be sent")
	}
	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "ada@example.com" {
		t.Errorf("To = %v", got)
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || got[0] != "Accepted: On Graphs" {
		t.Errorf("Subject = %v", got)
	}
}

func TestDeliverSkipsUsersWithoutEmail(t *testing.T) {
	directory := fakeDirectory{getUserFn: func(_ context.Context, userID string) (store.User, error) {
		return store.User{ID: userID, DisplayName: "No Mail"}, nil
	}}
	mailer := NewMailer(configured(), directory, nil)
	mailer.send = func(*mail.Message) error {
		t.Fatal("send must not be called")
		return nil
	}
	if err := mailer.Deliver(context.Background(), "u1", KindRejected, Payload{Title: "x"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestDeliverErrors(t *testing.T) {
	missing := fakeDirectory{getUserFn: func(context.Context, string) (store.User, error) {
		return store.User{}, sql.ErrNoRows
	}}
	if err := NewMailer(configured(), missing, nil).Deliver(context.Background(), "u1", KindRejected, Payload{}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if err := NewMailer(Config{}, missing, nil).Deliver(context.Background(), "u1", KindRejected, Payload{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRenderEveryKind(t *testing.T) {
	for kind := range templates {
		t.Run(string(kind), func(t *testing.T) {
			subject, body, err := render(kind, "Ada", Payload{ManuscriptID: "ms_9", Title: "<Title>", Note: "note"})
			if err != nil {
				t.Fatalf("render() error = %v", err)
			}
			if !strings.Contains(subject, "<Title>") {
				t.Errorf("subject %q should contain the title", subject)
			}
			if strings.Contains(body, "<Title>") || !strings.Contains(body, "&lt;Title&gt;") {
				t.Error("title must be HTML escaped in the body")
			}
			if !strings.Contains(body, "ms_9") {
				t.Error("body should reference the manuscript")
			}
			if !strings.HasPrefix(body, "<!DOCTYPE html>") || !strings.Contains(body, "Hi Ada,") {
				t.Error("body should be wrapped in the layout with a greeting")
			}
		})
	}
	if _, _, err := render(Kind("unknown"), "Ada", Payload{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
