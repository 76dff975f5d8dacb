package broker

import (
	"context"

	"github.com/postwise/postwise/spec"
)

// Consumer defines a consumer receiving notifications via message broker
type Consumer interface {
	Close()
	ReceiveWelcomeEmails(ctx context.Context) (<-chan *spec.WelcomeEmail, error)
}
