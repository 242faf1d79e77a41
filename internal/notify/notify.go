// Package notify delivers user-facing and admin messages produced by the
// assignment arbiter. Delivery is best effort and never blocks a caller.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

type Kind string

const (
	KindAssigned   Kind = "assigned"
	KindReassigned Kind = "reassigned"
	KindReleased   Kind = "released"
	KindAdminAlert Kind = "admin_alert"
)

const deliveryTimeout = 10 * time.Second

type Message struct {
	Kind    Kind   `json:"kind"`
	UserID  string `json:"user_id,omitempty"`
	ProxyID string `json:"proxy_id,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// LogSink writes every message to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, msg Message) error {
	log.Info("Notification", "kind", msg.Kind, "user_id", msg.UserID, "proxy_id", msg.ProxyID, "subject", msg.Subject)
	return nil
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch delivers msg in the background. Failures are logged and dropped.
func Dispatch(ctx context.Context, sink Sink, msg Message) {
	if sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		deliver(ctx, sink, msg)
	}()
}

func deliver(ctx context.Context, sink Sink, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Notification sink panicked", "kind", msg.Kind, "panic", r)
		}
	}()

	if err := sink.Notify(ctx, msg); err != nil {
		log.Warn("Notification delivery failed", "kind", msg.Kind, "user_id", msg.UserID, "proxy_id", msg.ProxyID, "error", err)
	}
}
