// Package mail defines the outbound email contract used by the auth ceremonies.
//
// Delivery is a collaborator: the auth service renders plain-text messages and
// hands them to a Mailer. The log mailer is the development implementation.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/louisbranch/larder/internal/platform/logging"
)

// Kind labels the purpose of a message.
type Kind string

const (
	KindMagicLink    Kind = "magic-link"
	KindVerification Kind = "email-verification"
)

// Message is a rendered plain-text email.
type Message struct {
	Kind    Kind
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages. Implementations must not retry silently; a
// returned error is surfaced to the caller as a delivery failure.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f MailerFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Config controls the development mailer. Echo prints full messages,
// including their links, to stderr and is meant for local development only.
type Config struct {
	Echo bool `env:"LARDER_MAIL_ECHO" envDefault:"false"`
}

// LogMailer records each message in the structured log and, when an echo
// writer is set, prints the full message so links can be followed locally.
type LogMailer struct {
	logger *slog.Logger
	mu     sync.Mutex
	echo   io.Writer
}

// NewLogMailer builds a development mailer. echo may be nil.
func NewLogMailer(logger *slog.Logger, echo io.Writer) *LogMailer {
	return &LogMailer{logger: logging.OrDiscard(logger), echo: echo}
}

// Send logs msg without its body and echoes the full message.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("mail recipient is required")
	}
	m.logger.InfoContext(ctx, "email dispatched",
		"kind", string(msg.Kind),
		"to", msg.To,
		"subject", msg.Subject,
		logging.Token("body_fingerprint", msg.Body),
	)
	if m.echo == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := fmt.Fprintf(m.echo, "To: %s\nSubject: %s\n\n%s\n", msg.To, msg.Subject, msg.Body); err != nil {
		return fmt.Errorf("echo message: %w", err)
	}
	return nil
}

var (
	magicLinkTemplate = template.Must(template.New("magic-link").Parse(`Hi,

Use the link below to sign in to Larder. It expires at {{.ExpiresAt}}.

{{.Link}}

If you did not ask for this link you can ignore this email.
`))

	verificationTemplate = template.Must(template.New("verification").Parse(`Hi {{.Name}},

Confirm your email address to finish creating your Larder account.
The link expires at {{.ExpiresAt}}.

{{.Link}}
`))
)

type messageData struct {
	Name      string
	Link      string
	ExpiresAt string
}

// MagicLinkMessage renders the sign-in email.
func MagicLinkMessage(to, link string, expiresAt time.Time) (Message, error) {
	body, err := render(magicLinkTemplate, messageData{Link: link, ExpiresAt: formatExpiry(expiresAt)})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindMagicLink, To: to, Subject: "Your Larder sign-in link", Body: body}, nil
}

// VerificationMessage renders the registration confirmation email.
func VerificationMessage(to, name, link string, expiresAt time.Time) (Message, error) {
	body, err := render(verificationTemplate, messageData{Name: name, Link: link, ExpiresAt: formatExpiry(expiresAt)})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindVerification, To: to, Subject: "Confirm your Larder email", Body: body}, nil
}

func render(tmpl *template.Template, data messageData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func formatExpiry(at time.Time) string {
	return at.UTC().Format("15:04 MST, 2 Jan 2006")
}
