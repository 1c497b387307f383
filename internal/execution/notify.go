package execution

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/httpx"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

// Event is one user-facing notification for a ticket transition.
type Event struct {
	Ticket Ticket `json:"ticket"`
	Text   string `json:"text"`
}

func eventFor(ticket Ticket) Event {
	text := ticket.Messages.Pending
	switch ticket.Phase {
	case PhaseSucceeded:
		text = ticket.Messages.Success
	case PhaseFailed:
		text = ticket.Messages.Failure
		if ticket.Error != "" {
			text = text + ": " + ticket.Error
		}
	}
	return Event{Ticket: ticket, Text: text}
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// ConsoleNotifier writes one line per transition.
type ConsoleNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{w: w}
}

func (n *ConsoleNotifier) Notify(_ context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	line := fmt.Sprintf("[%s] %s", event.Ticket.Phase, event.Text)
	if event.Ticket.TxHash != "" {
		line += " (" + event.Ticket.TxHash + ")"
	}
	_, _ = fmt.Fprintln(n.w, line)
}

// WebhookNotifier posts every event as JSON. Delivery failures are reported
// through onError and never affect the ticket.
type WebhookNotifier struct {
	client  *httpx.Client
	url     string
	onError func(error)
}

func NewWebhookNotifier(client *httpx.Client, url string, onError func(error)) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if !registry.IsAllowedWebhookURL(url) {
		return nil, clierr.New(clierr.CodeUsage, "webhook url must use https (http is allowed only for localhost)")
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &WebhookNotifier{client: client, url: url, onError: onError}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	if _, err := n.client.PostJSON(ctx, n.url, event, nil); err != nil {
		n.onError(err)
	}
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}
