// Package email sends plain text mail over SMTP.
package email

import (
	"errors"

	"gopkg.in/gomail.v2"
)

// Message is a plain text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer delivers messages through an SMTP relay.
type Mailer struct {
	from   string
	dialer *gomail.Dialer
}

// NewMailer creates a Mailer for cfg.
func NewMailer(cfg Config) *Mailer {
	return &Mailer{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// Send delivers msg.
func (m *Mailer) Send(msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("no recipients specified")
	}
	return m.dialer.DialAndSend(m.build(msg))
}

func (m *Mailer) build(msg Message) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To...)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.Body)
	return gm
}
