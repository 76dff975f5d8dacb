package broker

import (
	"github.com/postwise/postwise/spec"
)

// Producer defines a producer sending notifications via message broker
type Producer interface {
	Close()
	SendWelcomeEmail(n *spec.WelcomeEmail) error
}
