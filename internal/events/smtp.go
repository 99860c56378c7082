package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// SMTPPublisher emails events
type SMTPPublisher struct {
	host     string
	port     int
	user     string
	password string
	from     string
	to       []string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPPublisher creates a new SMTP publisher
func NewSMTPPublisher(host string, port int, user, password, from string, to []string) *SMTPPublisher {
	return &SMTPPublisher{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
		to:       to,
		send:     smtp.SendMail,
	}
}

func (p *SMTPPublisher) Name() string { return "smtp" }

// Publish sends the event by email. Batch summaries are not mailed.
func (p *SMTPPublisher) Publish(ctx context.Context, event *Event) error {
	if event.Type == TypeBatchCompleted || len(p.to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if p.user != "" {
		auth = smtp.PlainAuth("", p.user, p.password, p.host)
	}
	addr := fmt.Sprintf("%s:%d", p.host, p.port)

	if err := p.send(addr, auth, p.from, p.to, p.buildMessage(event)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (p *SMTPPublisher) buildMessage(event *Event) []byte {
	subject := fmt.Sprintf("[claimwatch] %s: %s", event.Type, event.Summary())

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(p.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "CLAIMWATCH %s\n", strings.ToUpper(string(event.Type)))
	b.WriteString("═══════════════════════════════════════\n\n")
	b.WriteString(event.Summary() + "\n\n")

	payload, _ := json.MarshalIndent(event.Payload, "", "  ")
	b.WriteString("DETAILS\n")
	b.WriteString("─────────────────────────────────────\n")
	b.Write(payload)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Event ID:        %s\n", event.EventID)
	fmt.Fprintf(&b, "Idempotency key: %s\n", event.IdempotencyKey)
	fmt.Fprintf(&b, "Environment:     %s\n", event.Environment)
	fmt.Fprintf(&b, "Occurred:        %s\n", event.OccurredAt.Format(time.RFC3339))

	return []byte(b.String())
}
