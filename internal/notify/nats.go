package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

// Connect dials NATS with reconnect handling logged through logger.
// natsURL example: "nats://localhost:4222".
func Connect(natsURL, appName string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Infow("nats connection closed", "err", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// publisher is the part of *nats.Conn the notifier needs.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	FlushTimeout(timeout time.Duration) error
}

// NATSNotifier publishes messages on "<subject>.<template>" and waits for
// the server to acknowledge the flush, so a nil error means the broker has
// the message.
type NATSNotifier struct {
	conn    publisher
	subject string
	logger  *zap.SugaredLogger
}

func NewNATSNotifier(nc *nats.Conn, subject string, logger *zap.SugaredLogger) *NATSNotifier {
	return &NATSNotifier{conn: nc, subject: subject, logger: logger}
}

// envelope is the wire format consumed by the mail worker.
type envelope struct {
	ID       string            `json:"id"`
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data"`
	QueuedAt time.Time         `json:"queuedAt"`
}

func (n *NATSNotifier) Send(ctx context.Context, m Message) error {
	env := envelope{
		ID:       utilities.NewKSUID(),
		To:       m.To,
		Template: m.Template,
		Data:     m.Data,
		QueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return &DeliveryError{Template: m.Template, To: m.To, Err: err}
	}
	subject := n.subject + "." + m.Template
	if err := n.conn.Publish(subject, payload); err != nil {
		return &DeliveryError{Template: m.Template, To: m.To, Err: err}
	}
	if _, ok := ctx.Deadline(); ok {
		err = n.conn.FlushWithContext(ctx)
	} else {
		err = n.conn.FlushTimeout(5 * time.Second)
	}
	if err != nil {
		return &DeliveryError{Template: m.Template, To: m.To, Err: err}
	}
	n.logger.Debugw("notification published", "subject", subject, "id", env.ID)
	return nil
}
