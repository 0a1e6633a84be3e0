// Package event carries outcomes of background work (auto-SSL, renewals,
// failed rollbacks) to whoever wants to observe them.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	SiteAutoSSLFailed          = "site.autossl_failed"
	SiteAutoSSLIssued          = "site.autossl_issued"
	CertificateRenewed         = "certificate.renewed"
	CertificateRenewalDeferred = "certificate.renewal_deferred"
	CertificateRenewalFailed   = "certificate.renewal_failed"
	ProxyRollbackFailed        = "proxy.rollback_failed"
	ProxyReloaded              = "proxy.reloaded"
)

// Event is something that happened outside a request/response cycle
type Event struct {
	Type    string                 `json:"type"`
	SiteID  uint                   `json:"site_id,omitempty"`
	CertID  uint                   `json:"certificate_id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Time    time.Time              `json:"time"`
}

// Handler processes an event
type Handler func(e Event)

// Bus is an in-memory publish/subscribe bus. It also keeps the most recent
// events for inspection.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	recent   []Event
	keep     int
	logger   *slog.Logger
}

// NewBus creates a bus remembering the last keep events
func NewBus(keep int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		keep:     keep,
		logger:   logger.With("module", "event"),
	}
}

// Subscribe registers a handler for an event type, or "*" for all events
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish dispatches an event synchronously to matching handlers in
// registration order. A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	if b.keep > 0 {
		b.recent = append(b.recent, e)
		if len(b.recent) > b.keep {
			b.recent = b.recent[len(b.recent)-b.keep:]
		}
	}
	handlers := make([]Handler, 0, len(b.handlers[e.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[e.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "event", e.Type, "panic", r)
				}
			}()
			h(e)
		}()
	}
}

// Recent returns up to n of the latest events, newest first
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, 0, n)
	for i := len(b.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.recent[i])
	}
	return out
}
