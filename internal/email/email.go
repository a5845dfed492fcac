// Package email renders upload outcome notifications and hands them to a
// Transport. SMTPTransport talks to any SMTP relay (Mailhog in development,
// Postmark or similar in production); LogTransport only logs, for
// deployments without SMTP.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

//go:embed templates/*
var templateFS embed.FS

// EmailService sends the message for one upload outcome. n.Type selects the
// wording.
type EmailService interface {
	SendUploadOutcomeEmail(ctx context.Context, to, name string, n domain.UploadNotification) error
}

// Message is a rendered email with a plain text and an HTML body.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport delivers rendered messages.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// =============================================================================
// Mailer
// =============================================================================

// Mailer implements EmailService on top of a Transport.
type Mailer struct {
	transport  Transport
	uploadsURL string
	html       *htmltemplate.Template
	text       *texttemplate.Template
	logger     *slog.Logger
}

// NewMailer parses the upload outcome templates, from templatesDir when set
// and from the embedded set otherwise. baseURL, when set, adds a link to the
// uploads page.
func NewMailer(transport Transport, baseURL, templatesDir string, logger *slog.Logger) (*Mailer, error) {
	funcs := map[string]any{
		"join":        strings.Join,
		"currentYear": func() int { return time.Now().Year() },
	}

	html := htmltemplate.New("email").Funcs(funcs)
	text := texttemplate.New("email").Funcs(funcs)
	var err error
	if templatesDir != "" {
		if html, err = html.ParseGlob(filepath.Join(templatesDir, "*.html")); err == nil {
			text, err = text.ParseGlob(filepath.Join(templatesDir, "*.txt"))
		}
	} else {
		if html, err = html.ParseFS(templateFS, "templates/*.html"); err == nil {
			text, err = text.ParseFS(templateFS, "templates/*.txt")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}

	m := &Mailer{
		transport: transport,
		html:      html,
		text:      text,
		logger:    logger,
	}
	if baseURL != "" {
		m.uploadsURL = strings.TrimSuffix(baseURL, "/") + "/uploads"
	}
	return m, nil
}

// SendUploadOutcomeEmail renders and sends the message for n.
func (m *Mailer) SendUploadOutcomeEmail(ctx context.Context, to, name string, n domain.UploadNotification) error {
	if !n.Type.IsValid() {
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := m.compose(to, name, n)
	if err != nil {
		return err
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Error("failed to send email", "to", to, "upload_id", n.UploadID, "error", err)
		return fmt.Errorf("send %s email for upload %s: %w", n.Type, n.UploadID, err)
	}
	m.logger.Info("email sent", "to", to, "upload_id", n.UploadID, "type", n.Type)
	return nil
}

type outcomeData struct {
	Name         string
	Type         string
	FileName     string
	LineCount    int64
	Periods      []string
	Credits      int64
	ErrorMessage string
	UploadsURL   string
}

func (m *Mailer) compose(to, name string, n domain.UploadNotification) (Message, error) {
	data := outcomeData{
		Name:         name,
		Type:         string(n.Type),
		FileName:     n.FileName,
		LineCount:    n.LineCount,
		Periods:      n.Periods,
		Credits:      n.Credits,
		ErrorMessage: n.ErrorMessage,
		UploadsURL:   m.uploadsURL,
	}

	var html, text bytes.Buffer
	if err := m.html.ExecuteTemplate(&html, "upload_outcome.html", data); err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}
	if err := m.text.ExecuteTemplate(&text, "upload_outcome.txt", data); err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}

	return Message{
		To:      to,
		Subject: subject(n),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func subject(n domain.UploadNotification) string {
	switch n.Type {
	case domain.NotificationSuccess:
		return n.FileName + " processed successfully"
	case domain.NotificationFailure:
		return n.FileName + " could not be processed"
	default:
		return n.FileName + " is being processed"
	}
}

// =============================================================================
// Log-only transport
// =============================================================================

// LogTransport records messages in the log instead of sending them.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info("email not sent, smtp disabled",
		"to", msg.To,
		"subject", msg.Subject,
		"text_bytes", len(msg.Text),
	)
	return nil
}

var (
	_ EmailService = (*Mailer)(nil)
	_ Transport    = (*LogTransport)(nil)
	_ Transport    = (*SMTPTransport)(nil)
)
