// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package post implements a minimal SMTP message model and sender used for
// operator notifications.
package post

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for the post package.
var Error = errs.Class("post")

// Message is a plain text email message.
type Message struct {
	From      mail.Address
	To        []mail.Address
	Subject   string
	Date      time.Time
	PlainText string
}

// Bytes renders the message into RFC 5322 wire form.
func (msg *Message) Bytes() ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, Error.New("message has no recipients")
	}

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	tos := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, to.String())
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From.String())
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(tos, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")

	// normalize body line endings to CRLF.
	body := strings.ReplaceAll(msg.PlainText, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	return buf.Bytes(), nil
}
