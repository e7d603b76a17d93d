// Package mail sends templated HTML mail over SMTP.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

//go:embed templates/*.html
var templateFS embed.FS

// Attachment is a file sent with a message
type Attachment struct {
	Path string
	// Name is the file name shown to the recipient; defaults to the base name of Path
	Name string
}

// Message is one outbound mail
type Message struct {
	To          string
	Subject     string
	Template    string
	Vars        map[string]any
	Attachments []Attachment
}

// Sender delivers a message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer is a Sender backed by gomail
type SMTPMailer struct {
	dial      func() (gomail.SendCloser, error)
	from      string
	templates *template.Template
	logger    *logrus.Logger
}

// NewSMTPMailer creates a mailer. Templates are parsed up front.
func NewSMTPMailer(cfg Config, logger *logrus.Logger) (*SMTPMailer, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPMailer{
		dial:      d.Dial,
		from:      cfg.From,
		templates: templates,
		logger:    logger,
	}, nil
}

func parseTemplates() (*template.Template, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}
	return templates, nil
}

// Render executes the named template
func (m *SMTPMailer) Render(name string, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (m *SMTPMailer) build(msg Message) (*gomail.Message, error) {
	body, err := m.Render(msg.Template, msg.Vars)
	if err != nil {
		return nil, err
	}

	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/html", body)

	for _, a := range msg.Attachments {
		name := a.Name
		if name == "" {
			name = filepath.Base(a.Path)
		}
		gm.Attach(a.Path, gomail.Rename(name), gomail.SetHeader(map[string][]string{
			"Content-Type": {"text/plain; charset=UTF-8"},
		}))
	}

	return gm, nil
}

// Send renders and delivers msg. Attachment files are read during the call.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	gm, err := m.build(msg)
	if err != nil {
		return err
	}

	sc, err := m.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer sc.Close()

	if err := gomail.Send(sc, gm); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("Mail sent")
	return nil
}

// LogSender only logs messages. It is used when SMTP is not configured.
type LogSender struct {
	logger *logrus.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message envelope
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.WithFields(logrus.Fields{
		"to":          msg.To,
		"subject":     msg.Subject,
		"attachments": len(msg.Attachments),
	}).Warn("Mail disabled, message not sent")
	return nil
}
