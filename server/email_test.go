package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"authkit/provider"
)

type mockDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *mockDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func testMailer(d Dialer) *Mailer {
	return &Mailer{
		dialer:  d,
		from:    "noreply@example.com",
		subject: "Sign in to %s",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMailerSendsLink(t *testing.T) {
	d := &mockDialer{}
	req := provider.VerificationRequest{
		Identifier: "ada@example.com",
		URL:        "https://app.example.com/auth/callback/email?token=abc",
		Expires:    time.Now().Add(time.Hour),
		Provider:   &provider.EmailConfig{},
	}
	if err := testMailer(d).SendVerificationRequest(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(d.sent))
	}
	m := d.sent[0]
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "ada@example.com" {
		t.Fatalf("unexpected To header %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "Sign in to app.example.com" {
		t.Fatalf("unexpected Subject header %v", got)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("render message: %v", err)
	}
	if !strings.Contains(buf.String(), "text/html") {
		t.Fatalf("message has no html alternative")
	}
}

func TestMailerReportsDialError(t *testing.T) {
	d := &mockDialer{err: errors.New("connection refused")}
	err := testMailer(d).SendVerificationRequest(context.Background(), provider.VerificationRequest{
		Identifier: "ada@example.com",
		URL:        "https://app.example.com/x",
		Provider:   &provider.EmailConfig{},
	})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected dial error, got %v", err)
	}
}
