// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package health

import (
	"context"
	"net"
	"net/mail"
	"net/smtp"

	"go.uber.org/zap"

	"storj.io/datasleigh/private/post"
)

// NewSender builds the notification sender for the configured auth type.
// The nomail type returns a sender that only logs, for development setups
// without an SMTP relay.
func NewSender(log *zap.Logger, config Config) (Sender, error) {
	switch config.AuthType {
	case "plain":
		from, host, err := senderTarget(config)
		if err != nil {
			return nil, err
		}
		return &post.SMTPSender{
			From:          *from,
			Auth:          smtp.PlainAuth("", config.Login, config.Password, host),
			ServerAddress: config.SMTPServerAddress,
		}, nil
	case "login":
		from, _, err := senderTarget(config)
		if err != nil {
			return nil, err
		}
		return &post.SMTPSender{
			From:          *from,
			Auth:          post.LoginAuth{Username: config.Login, Password: config.Password},
			ServerAddress: config.SMTPServerAddress,
		}, nil
	case "nomail":
		return &SimulateSender{log: log}, nil
	default:
		return nil, Error.New("unknown auth type %q", config.AuthType)
	}
}

func senderTarget(config Config) (*mail.Address, string, error) {
	from, err := mail.ParseAddress(config.From)
	if err != nil {
		return nil, "", Error.New("malformed from address %q: %v", config.From, err)
	}
	host, _, err := net.SplitHostPort(config.SMTPServerAddress)
	if err != nil {
		return nil, "", Error.New("malformed smtp server address %q: %v", config.SMTPServerAddress, err)
	}
	return from, host, nil
}

// SimulateSender logs messages instead of delivering them.
type SimulateSender struct {
	log *zap.Logger
}

// FromAddress implements Sender.
func (sender *SimulateSender) FromAddress() mail.Address {
	return mail.Address{Name: "Data Sleigh", Address: "datasleigh@localhost"}
}

// SendEmail implements Sender.
func (sender *SimulateSender) SendEmail(ctx context.Context, msg *post.Message) error {
	tos := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, to.Address)
	}
	sender.log.Info("simulated notification",
		zap.Strings("to", tos),
		zap.String("subject", msg.Subject))
	return nil
}
