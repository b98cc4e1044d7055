package server

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"

	"gopkg.in/gomail.v2"

	"authkit/provider"
)

// Dialer sends composed messages. *gomail.Dialer implements it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

var linkBody = template.Must(template.New("link").Parse(`<!doctype html>
<html><body style="font-family:system-ui,sans-serif">
<p>Sign in to <strong>{{.Host}}</strong></p>
<p><a href="{{.URL}}" style="display:inline-block;padding:10px 18px;background:#2563eb;color:#fff;border-radius:8px;text-decoration:none">Sign in</a></p>
<p style="color:#6b7280;font-size:13px">The link expires {{.Expires}}. If you did not request this email you can ignore it.</p>
</body></html>`))

// Mailer delivers email sign-in links over SMTP.
type Mailer struct {
	dialer  Dialer
	from    string
	subject string
	logger  *slog.Logger
}

// NewMailer creates a mailer from the SMTP section.
func NewMailer(cfg SMTPConfig, logger *slog.Logger) *Mailer {
	return &Mailer{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		subject: cfg.Subject,
		logger:  logger,
	}
}

// SendVerificationRequest mails the sign-in link to req.Identifier.
func (m *Mailer) SendVerificationRequest(_ context.Context, req provider.VerificationRequest) error {
	host := req.URL
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		host = u.Host
	}
	data := map[string]string{
		"Host":    host,
		"URL":     req.URL,
		"Expires": req.Expires.UTC().Format("Jan 2 15:04 MST"),
	}
	var body bytes.Buffer
	if err := linkBody.Execute(&body, data); err != nil {
		return fmt.Errorf("error executing body template: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", req.Identifier)
	msg.SetHeader("Subject", fmt.Sprintf(m.subject, host))
	msg.SetBody("text/plain", fmt.Sprintf("Sign in to %s\n%s\n", host, req.URL))
	msg.AddAlternative("text/html", body.String())

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	m.logger.Info("sign-in email sent", "to", req.Identifier, "provider", req.Provider.ID())
	return nil
}

// LogSender prints sign-in links instead of mailing them. Dev mode only.
func LogSender(logger *slog.Logger) func(context.Context, provider.VerificationRequest) error {
	return func(_ context.Context, req provider.VerificationRequest) error {
		logger.Warn("dev mode: sign-in link not mailed", "to", req.Identifier, "url", req.URL, "expires", req.Expires)
		return nil
	}
}
