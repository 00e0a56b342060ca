// Package notify sends workflow e-mails to manuscript uploaders. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mail "github.com/go-mail/mail/v2"
	"go.uber.org/zap"

	"manuscript/api/internal/store"
)

type Kind string

const (
	KindAdmitted          Kind = "admitted"
	KindRejected          Kind = "rejected"
	KindRevisionRequested Kind = "revision_requested"
	KindResubmitted       Kind = "resubmitted"
)

var ErrNotConfigured = errors.New("smtp not configured")

type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	SkipTLSVerify bool
}

func (c Config) IsConfigured() bool {
	return c.Host != "" && c.From != ""
}

// Payload is the data rendered into every notification.
type Payload struct {
	ManuscriptID string
	Title        string
	VenueName    string
	Note         string
}

type Directory interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
}

type Mailer struct {
	config    Config
	directory Directory
	logger    *zap.Logger
	send      func(*mail.Message) error
	timeout   time.Duration
}

func NewMailer(config Config, directory Directory, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mailer{
		config:    config,
		directory: directory,
		logger:    logger,
		timeout:   30 * time.Second,
	}
	m.send = m.dialAndSend
	return m
}

func (m *Mailer) dialAndSend(message *mail.Message) error {
	d := mail.NewDialer(m.config.Host, m.config.Port, m.config.Username, m.config.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{
		ServerName:         m.config.Host,
		InsecureSkipVerify: m.config.SkipTLSVerify,
	}
	return d.DialAndSend(message)
}

// Notify delivers in the background. Anonymous uploads have no user id and are
// skipped.
func (m *Mailer) Notify(userID string, kind Kind, payload Payload) {
	if userID == "" || !m.config.IsConfigured() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.Deliver(ctx, userID, kind, payload); err != nil {
			m.logger.Warn("notification failed",
				zap.String("user_id", userID),
				zap.String("kind", string(kind)),
				zap.String("manuscript_id", payload.ManuscriptID),
				zap.Error(err),
			)
		}
	}()
}

// Deliver sends one notification synchronously.
func (m *Mailer) Deliver(ctx context.Context, userID string, kind Kind, payload Payload) error {
	if !m.config.IsConfigured() {
		return ErrNotConfigured
	}
	user, err := m.directory.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup recipient: %w", err)
	}
	if user.Email == "" {
		m.logger.Debug("recipient has no email", zap.String("user_id", userID))
		return nil
	}

	subject, body, err := render(kind, user.DisplayName, payload)
	if err != nil {
		return err
	}

	message := mail.NewMessage()
	message.SetHeader("From", m.config.From)
	message.SetHeader("To", user.Email)
	message.SetHeader("Subject", subject)
	message.SetBody("text/html", body)
	if err := m.send(message); err != nil {
		return fmt.Errorf("send %s notification: %w", kind, err)
	}
	m.logger.Info("notification sent", zap.String("user_id", userID), zap.String("kind", string(kind)))
	return nil
}

type messageData struct {
	Payload
	UserName string
}

func render(kind Kind, userName string, payload Payload) (string, string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.body.Execute(&buf, messageData{Payload: payload, UserName: userName}); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return fmt.Sprintf(tmpl.subject, payload.Title), buf.String(), nil
}
