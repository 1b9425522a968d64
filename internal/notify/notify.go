// Package notify hands out-of-band messages (welcome mails, credential
// resets) to a delivery backend. Actual mail delivery happens downstream of
// the broker.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Templates understood by the mail worker.
const (
	TemplateWelcome         = "welcome"
	TemplateCredentialReset = "password-reset"
)

// Message is a templated notification for one recipient.
type Message struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data"`
}

// Notifier delivers a Message. Failures come back as *DeliveryError.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// DeliveryError reports a message that could not be handed off.
type DeliveryError struct {
	Template string
	To       string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Template, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// LogNotifier only logs that a message would have been sent. Template data
// is not logged because it carries credentials.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, m Message) error {
	n.logger.Infow("notification not delivered: no broker configured", "to", m.To, "template", m.Template)
	return nil
}
