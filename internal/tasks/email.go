package tasks

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// handleEmailSend sends from the agent mailbox (spec §6 email.send). Not
// idempotent; network/5xx failures are transient.
func handleEmailSend(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.Mailer == nil {
		return nil, fmt.Errorf("tasks: email.send: no Mailer configured")
	}

	to := stringSlice(ec.Input["to"])
	if len(to) == 0 {
		return nil, fmt.Errorf("tasks: email.send: input.to is required")
	}
	from, _ := ec.Input["from"].(string)
	subject, _ := ec.Input["subject"].(string)
	body, _ := ec.Input["body"].(string)

	msg := OutgoingMail{To: to, From: from, Subject: subject, Body: body}
	if err := ec.Collabs.Mailer.Send(ec.Context, msg); err != nil {
		return nil, retry.NewTransient(err)
	}
	return map[string]any{"sent": true, "to": to, "subject": subject}, nil
}

// handleEmailCheck polls the inbox with a wall-clock deadline (spec §6
// email.check). Idempotent; network errors are transient.
func handleEmailCheck(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.MailPoller == nil {
		return nil, fmt.Errorf("tasks: email.check: no MailPoller configured")
	}

	filter := MailFilter{}
	filter.From, _ = ec.Input["from"].(string)
	filter.Subject, _ = ec.Input["subject"].(string)

	deadlineSec, _ := ec.Input["timeout_s"].(float64)
	if deadlineSec <= 0 {
		deadlineSec = 300
	}
	deadline := time.Now().Add(time.Duration(deadlineSec) * time.Second)

	msgs, err := ec.Collabs.MailPoller.Poll(ec.Context, filter, deadline)
	if err != nil {
		return nil, retry.NewTransient(err)
	}

	results := make([]map[string]any, 0, len(msgs))
	var urls []string
	for _, m := range msgs {
		results = append(results, map[string]any{
			"from":    m.From,
			"subject": m.Subject,
			"urls":    m.URLs,
		})
		urls = append(urls, m.URLs...)
	}
	return map[string]any{"messages": results, "urls": urls, "matched": len(msgs) > 0}, nil
}

// handleEmailClickVerify follows a verification URL by delegating to
// scrape.rendered (spec §6 email.click_verify).
func handleEmailClickVerify(ec ExecutionContext) (map[string]any, error) {
	url, _ := ec.Input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("tasks: email.click_verify: input.url is required")
	}
	delegate := ExecutionContext{
		Context:  ec.Context,
		RunID:    ec.RunID,
		Task:     ec.Task,
		Input:    map[string]any{"url": url},
		RefScope: ec.RefScope,
		Collabs:  ec.Collabs,
		Logger:   ec.Logger,
		Timeout:  ec.Timeout,
	}
	return handleScrapeRendered(delegate)
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

// SMTPMailer is the default Mailer, sending plaintext mail over
// authenticated SMTP with stdlib net/smtp (the Mailer's internals are out
// of core scope, spec.md §1).
type SMTPMailer struct {
	Host     string
	Port     string
	Username string
	Password string
	UseTLS   bool
}

// Send composes and delivers one message. net/smtp has no context-aware
// dial, so ctx only governs cancellation checked before dialing.
func (m SMTPMailer) Send(ctx context.Context, msg OutgoingMail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.send(msg)
}

func (m SMTPMailer) send(msg OutgoingMail) error {
	addr := m.Host + ":" + m.Port
	headers := textproto.MIMEHeader{}
	headers.Set("From", msg.From)
	headers.Set("To", strings.Join(msg.To, ","))
	headers.Set("Subject", msg.Subject)
	for k, v := range msg.Headers {
		headers.Set(k, v)
	}

	var b strings.Builder
	for k, vs := range headers {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)
	if m.UseTLS {
		return m.sendTLS(addr, auth, msg)
	}
	return smtp.SendMail(addr, auth, msg.From, msg.To, []byte(b.String()))
}

func (m SMTPMailer) sendTLS(addr string, auth smtp.Auth, msg OutgoingMail) error {
	tlsConfig := &tls.Config{ServerName: m.Host}
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Auth(auth); err != nil {
		return err
	}
	if err := client.Mail(msg.From); err != nil {
		return err
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = fmt.Fprintf(w, "Subject: %s\r\n\r\n%s", msg.Subject, msg.Body)
	return err
}
