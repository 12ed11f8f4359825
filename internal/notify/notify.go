// Package notify tells the user about events that need attention while
// they are away from the terminal, such as a tool call waiting for
// approval. Channels are Telegram (bot HTTP API) and MQTT.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Notifier delivers a short titled message.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Multi fans a notification out to every channel. A failing channel
// does not stop the others; their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Format renders title and body as a single message.
func Format(title, body string) string {
	if body == "" {
		return title
	}
	return fmt.Sprintf("%s\n\n%s", title, body)
}
