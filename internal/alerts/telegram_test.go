package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"capital-router/internal/breaker"
	"capital-router/internal/config"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "breaker venue-a opened"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "breaker venue-a opened"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "breaker venue-a opened" {
		t.Fatalf("unexpected text %q", gotPayload["text"])
	}
}

func TestAlertMessagesNameResourceFirst(t *testing.T) {
	snap := breaker.Snapshot{Resource: "venue-a", State: breaker.StateOpen, ConsecutiveFailures: 3}
	opened := BreakerOpened(snap, 30*time.Second)
	if !strings.HasPrefix(opened, "venue-a:") {
		t.Fatalf("open alert must lead with the venue, got %q", opened)
	}
	if !strings.Contains(opened, "3 consecutive failures") || !strings.Contains(opened, "30s") {
		t.Fatalf("open alert missing failure count or cooldown: %q", opened)
	}
	closed := BreakerClosed(breaker.Snapshot{Resource: "venue-a", State: breaker.StateClosed})
	if !strings.HasPrefix(closed, "venue-a:") || !strings.Contains(closed, "CLOSED") {
		t.Fatalf("unexpected close alert %q", closed)
	}
	if TradingPaused() == TradingResumed() {
		t.Fatal("pause and resume alerts must differ")
	}
}

func TestTelegramSendSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error from telegram api response")
	}
}
