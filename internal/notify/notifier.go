package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Notifier is the fire-and-forget user notification sink. Delivery (templates,
// email, push) happens downstream; from the ledger's perspective a failed
// notification is logged and never aborts the operation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string, metadata map[string]string) error
}

// Message is the wire shape published for the notification service.
type Message struct {
	UserID   string            `json:"user_id"`
	Kind     string            `json:"kind"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// NATSNotifier publishes notifications to custody.notify.{kind}.
type NATSNotifier struct {
	js jetstream.JetStream
}

var _ Notifier = (*NATSNotifier)(nil)

func NewNATSNotifier(js jetstream.JetStream) *NATSNotifier {
	return &NATSNotifier{js: js}
}

// EnsureStream creates the notification stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "CUSTODY_NOTIFY",
		Subjects: []string{"custody.notify.>"},
	})
	return err
}

func (n *NATSNotifier) Notify(ctx context.Context, userID, kind, title, body string, metadata map[string]string) error {
	data, err := json.Marshal(Message{
		UserID:   userID,
		Kind:     kind,
		Title:    title,
		Body:     body,
		Metadata: metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	_, err = n.js.Publish(ctx, fmt.Sprintf("custody.notify.%s", kind), data)
	return err
}
