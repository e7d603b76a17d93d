package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event types published for operators
const (
	EventCommandFailed     = "command.failed"
	EventCommandSucceeded  = "command.succeeded"
	EventProvisionFailed   = "provision.failed"
	EventCleanupFailed     = "provision.cleanup_failed"
	EventServerDeleted     = "server.deleted"
	EventInstanceMissing   = "server.instance_missing"
	EventServerProvisioned = "server.provisioned"
	EventKeyDeliveryFailed = "keypair.delivery_failed"
)

// Event is an operator-facing notification
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	InstanceID string    `json:"instance_id,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Command    string    `json:"command,omitempty"`
	Action     string    `json:"action,omitempty"`
	Error      string    `json:"error,omitempty"`
	// Resources lists cloud resources that need manual cleanup
	Resources []string `json:"resources,omitempty"`
}

// EventPublisher delivers operator events
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the logger only
type LogPublisher struct {
	logger *logrus.Logger
}

// NewLogPublisher creates a publisher that logs events
func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.WithFields(eventFields(event)).Info("Operator event")
	return nil
}

func eventFields(event Event) logrus.Fields {
	fields := logrus.Fields{"event": event.Type}
	if event.InstanceID != "" {
		fields["instance_id"] = event.InstanceID
	}
	if event.JobID != "" {
		fields["job_id"] = event.JobID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	if len(event.Resources) > 0 {
		fields["resources"] = event.Resources
	}
	return fields
}

// NATSPublisher publishes events as JSON on <subject>.<event type>
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, subject string, logger *logrus.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("litestack"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{nc: nc, subject: subject, logger: logger}, nil
}

// Publish sends the event. Events are best effort; callers log failures.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return p.nc.Publish(p.subject+"."+event.Type, payload)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// MultiPublisher fans an event out to several publishers
type MultiPublisher []EventPublisher

// Publish sends to every publisher and returns the first error
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
