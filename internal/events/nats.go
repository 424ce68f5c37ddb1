package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/credit-pool/internal/model"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "creditpool.events"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards committed events to NATS, one message per event on
// <subject>.<kind>.
type Publisher struct {
	nc      Conn
	subject string
}

// NewPublisher creates a publisher. An empty subject uses DefaultSubject.
func NewPublisher(nc Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("credit-pool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
}

// Publish sends every event. Publish errors are logged; NATS buffers
// messages while reconnecting.
func (p *Publisher) Publish(_ *model.PoolState, events []model.Event) {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		subject := p.SubjectFor(e.Kind)
		if err := p.nc.Publish(subject, data); err != nil {
			slog.Error("nats publish failed", "subject", subject, "id", e.ID, "err", err)
		}
	}
}

// SubjectFor returns the subject an event kind is published on.
func (p *Publisher) SubjectFor(kind model.EventKind) string {
	return p.subject + "." + string(kind)
}
