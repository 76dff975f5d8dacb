package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/postwise/postwise/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options provides initialization parameters for Mailer
type Options struct {
	SMTPAuth smtp.Auth
	Hostname string // host:port of the SMTP server
	From     string
	SiteName string
	Logger   *zap.Logger
}

// Mailer sends transactional email over SMTP
type Mailer struct {
	Options
}

// New validates the options and returns a Mailer
func New(option Options) (*Mailer, error) {
	if option.SMTPAuth == nil {
		return nil, fmt.Errorf("nil SMTPAuth is invalid")
	}
	if len(option.Hostname) == 0 {
		return nil, fmt.Errorf("empty Hostname is invalid")
	}
	if len(option.From) == 0 {
		return nil, fmt.Errorf("empty From is invalid")
	}
	if len(option.SiteName) == 0 {
		return nil, fmt.Errorf("empty SiteName is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Mailer{
		Options: option,
	}, nil
}

// SendWelcome delivers the post-checkout welcome email. Failures are the
// caller's to log; delivery is never retried here.
func (m *Mailer) SendWelcome(n *spec.WelcomeEmail) error {
	if len(n.Email) == 0 {
		return fmt.Errorf("notification has no recipient")
	}

	msg := m.composeWelcome(n)
	if err := smtp.SendMail(m.Hostname, m.SMTPAuth, m.From, []string{n.Email}, msg); err != nil {
		return extErrors.Wrap(err, "Cannot send welcome email")
	}

	m.Logger.Info("Welcome email sent",
		zap.String("AccountID", n.AccountID),
	)
	return nil
}

func (m *Mailer) composeWelcome(n *spec.WelcomeEmail) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", n.Email)
	fmt.Fprintf(&b, "Subject: Welcome to %s\r\n", m.SiteName)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Thanks for subscribing to %s!\r\n\r\n", m.SiteName)
	fmt.Fprintf(&b, "Your %s plan is now active", n.Interval)
	if !n.PeriodEnd.IsZero() {
		fmt.Fprintf(&b, " through %s", n.PeriodEnd.Format("January 2, 2006"))
	}
	b.WriteString(".\r\n\r\n")
	b.WriteString("You can manage your subscription anytime from your account page.\r\n")

	return []byte(b.String())
}
