package gmailclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"time"

	"google.golang.org/api/gmail/v1"
)

const EMAIL_INTERVAL = 3 * time.Second

// Email is a single outgoing message. At least one of Text and HTML is set.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// SendEmail sends an email, waiting out EMAIL_INTERVAL since the previous send
// to respect Gmail API rate limits. The wait is abandoned if ctx is done.
func (c *Client) SendEmail(ctx context.Context, email Email) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if !c.lastSendTime.IsZero() {
		if wait := c.interval - time.Since(c.lastSendTime); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("failed to send email: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	raw, err := buildMessage(c.sender, email)
	if err != nil {
		return err
	}

	err = c.send(ctx, &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.lastSendTime = time.Now()

	return nil
}

// buildMessage renders an RFC 2822 message. With both bodies present it is
// multipart/alternative, text first so HTML-capable clients prefer the HTML.
func buildMessage(from string, email Email) ([]byte, error) {
	if email.To == "" {
		return nil, fmt.Errorf("email has no recipient")
	}
	if email.Text == "" && email.HTML == "" {
		return nil, fmt.Errorf("email has no body")
	}

	var buf bytes.Buffer
	if from != "" {
		fmt.Fprintf(&buf, "From: %s\r\n", from)
	}
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if email.HTML == "" || email.Text == "" {
		contentType, body := "text/plain", email.Text
		if email.Text == "" {
			contentType, body = "text/html", email.HTML
		}
		fmt.Fprintf(&buf, "Content-Type: %s; charset=\"UTF-8\"\r\n\r\n%s", contentType, body)
		return buf.Bytes(), nil
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain", email.Text},
		{"text/html", email.HTML},
	} {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", part.contentType+"; charset=\"UTF-8\"")
		w, err := mw.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", part.contentType, err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("failed to write %s part: %w", part.contentType, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart message: %w", err)
	}

	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}
