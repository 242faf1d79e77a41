package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	done chan struct{}
}

func (r *recordingSink) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	if r.done != nil {
		close(r.done)
	}
	return r.err
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}

	err := Multi{failing, nil, ok}.Notify(context.Background(), Message{Kind: KindAssigned})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.msgs) != 1 {
		t.Fatal("a failing sink must not stop delivery to the others")
	}
}

func TestDispatchSurvivesCancelledContext(t *testing.T) {
	sink := &recordingSink{err: errors.New("unreachable"), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Dispatch(ctx, sink, Message{Kind: KindReassigned, UserID: "u-1"})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSlackSinkPostsText(t *testing.T) {
	var got slackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &SlackSink{WebhookURL: server.URL, Client: server.Client()}
	err := sink.Notify(context.Background(), Message{Kind: KindAssigned, Subject: "Proxy assigned", Body: "proxy p-1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Text != "*Proxy assigned*\nproxy p-1" {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestSlackSinkReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	sink := &SlackSink{WebhookURL: server.URL}
	err := sink.Notify(context.Background(), Message{Subject: "x"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewSlackSinkFromEnv(t *testing.T) {
	t.Setenv(slackWebhookEnv, "")
	if NewSlackSinkFromEnv() != nil {
		t.Fatal("expected nil sink without webhook")
	}
	t.Setenv(slackWebhookEnv, "https://hooks.slack.test/abc")
	if sink := NewSlackSinkFromEnv(); sink == nil || sink.WebhookURL != "https://hooks.slack.test/abc" {
		t.Fatalf("unexpected sink %+v", sink)
	}
}
