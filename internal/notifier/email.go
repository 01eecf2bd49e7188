package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/models"
)

// ErrNoRecipients is returned when neither NOTIFY_RECIPIENTS nor the
// requester's email is available.
var ErrNoRecipients = errors.New("no notification recipients")

type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Email sends the docking-request notification over SMTP.
type Email struct {
	cfg    config.SMTPConfig
	send   sendFunc
	now    func() time.Time
	logger *zap.Logger
}

// NewEmail returns nil when SMTP is not configured.
func NewEmail(cfg config.SMTPConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled() {
		return nil
	}
	e := &Email{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("email"),
	}
	e.send = e.sendSMTP
	return e
}

func (e *Email) Notify(ctx context.Context, payload models.NotificationPayload) error {
	to := e.recipients(payload)
	if len(to) == 0 {
		return ErrNoRecipients
	}

	msg, err := Compose(e.cfg.FromName, e.cfg.From, to, payload, e.now())
	if err != nil {
		return err
	}

	start := time.Now()
	if err := e.send(ctx, e.cfg.From, to, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	e.logger.Info("email sent",
		zap.Strings("recipients", to),
		zap.String("user_id", payload.UserID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// recipients prefers the configured admin list and falls back to the requester.
func (e *Email) recipients(payload models.NotificationPayload) []string {
	if len(e.cfg.Recipients) > 0 {
		return e.cfg.Recipients
	}
	if email := payload.Email(); email != "" {
		return []string{email}
	}
	return nil
}

func (e *Email) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)
	tlsConfig := &tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	// go-smtp resets socket deadlines on every command, so the context is
	// enforced by closing the socket once it ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := e.newClient(ctx, conn, tlsConfig)
	if err != nil {
		conn.Close()
		return ctxErr(ctx, fmt.Errorf("connect %s: %w", addr, err))
	}
	defer client.Close()

	if e.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)); err != nil {
			return ctxErr(ctx, fmt.Errorf("auth: %w", err))
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return ctxErr(ctx, err)
	}
	return ctxErr(ctx, client.Quit())
}

// newClient wraps conn for implicit TLS (port 465) or STARTTLS.
func (e *Email) newClient(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (*smtp.Client, error) {
	var (
		client *smtp.Client
		err    error
	)
	if e.cfg.ImplicitTLS {
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	} else {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, err
		}
	}

	// The context closes the socket; the margin keeps go-smtp's own
	// deadline from firing first and masking the context error.
	if deadline, ok := ctx.Deadline(); ok {
		limit := time.Until(deadline) + time.Second
		client.CommandTimeout = limit
		client.SubmissionTimeout = limit
	}
	return client, nil
}

// ctxErr reports the context error instead of the closed-socket error it
// caused.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// Compose renders the notification as a multipart/alternative message.
func Compose(fromName, from string, to []string, payload models.NotificationPayload, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: from}})
	toAddrs := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		toAddrs = append(toAddrs, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", toAddrs)
	if email := payload.Email(); email != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: email}})
	}
	h.SetSubject(Subject(payload))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}

	if err := writePart(tw, "text/plain", func(w io.Writer) error {
		_, err := io.WriteString(w, PlainBody(payload))
		return err
	}); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", func(w io.Writer) error {
		return htmlBody.Execute(w, detailRows(payload))
	}); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType string, write func(io.Writer) error) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if err := write(w); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

// Subject is shared by every channel.
func Subject(payload models.NotificationPayload) string {
	return fmt.Sprintf("New docking request: %s / %s", payload.ProteinTarget, payload.LigandTarget)
}

type detailRow struct {
	Label string
	Value string
}

func detailRows(payload models.NotificationPayload) []detailRow {
	submitter := payload.UserID
	if email := payload.Email(); email != "" {
		submitter = fmt.Sprintf("%s (%s)", email, payload.UserID)
	}
	createdAt := payload.CreatedAt
	if createdAt == "" {
		createdAt = "unknown"
	}
	return []detailRow{
		{"Protein target", payload.ProteinTarget},
		{"Ligand target", payload.LigandTarget},
		{"Blind docking", string(payload.BlindDocking)},
		{"Active site docking", string(payload.ActiveSiteDocking)},
		{"Submitted by", submitter},
		{"Submitted at", createdAt},
	}
}

// PlainBody is the text/plain rendering.
func PlainBody(payload models.NotificationPayload) string {
	var b strings.Builder
	b.WriteString("A new protein-ligand docking request was submitted.\r\n\r\n")
	for _, row := range detailRows(payload) {
		fmt.Fprintf(&b, "%-20s %s\r\n", row.Label+":", row.Value)
	}
	return b.String()
}

var htmlBody = template.Must(template.New("docking-request").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
<h2>New docking request</h2>
<table cellpadding="4">
{{- range . }}
<tr><th align="left">{{ .Label }}</th><td>{{ .Value }}</td></tr>
{{- end }}
</table>
</body>
</html>
`))
