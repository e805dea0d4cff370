// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package post

import (
	"context"
	"crypto/tls"
	"net"
	"net/mail"
	"net/smtp"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// SMTPSender submits messages to an SMTP relay.
//
// architecture: Service
type SMTPSender struct {
	From          mail.Address
	Auth          smtp.Auth
	ServerAddress string
}

// FromAddress implements the health.Sender interface.
func (sender *SMTPSender) FromAddress() mail.Address {
	return sender.From
}

// SendEmail delivers the message to all recipients through the configured
// relay, negotiating STARTTLS when the server offers it.
func (sender *SMTPSender) SendEmail(ctx context.Context, msg *Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	host, _, err := net.SplitHostPort(sender.ServerAddress)
	if err != nil {
		return Error.Wrap(err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", sender.ServerAddress)
	if err != nil {
		return Error.Wrap(err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return Error.Wrap(err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return Error.Wrap(err)
		}
	}

	if sender.Auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(sender.Auth); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	if err := client.Mail(sender.From.Address); err != nil {
		return Error.Wrap(err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to.Address); err != nil {
			return Error.Wrap(err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return Error.Wrap(err)
	}

	data, err := msg.Bytes()
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := writer.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(client.Quit())
}

// LoginAuth implements the non-standard LOGIN mechanism some relays require.
type LoginAuth struct {
	Username string
	Password string
}

// Start implements smtp.Auth.
func (auth LoginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

// Next implements smtp.Auth.
func (auth LoginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:":
			return []byte(auth.Username), nil
		case "Password:":
			return []byte(auth.Password), nil
		default:
			return nil, Error.New("unexpected server challenge %q", fromServer)
		}
	}
	return nil, nil
}
