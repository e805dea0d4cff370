// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package mqttsub subscribes to the local MQTT broker and routes deliveries
// into the ingest buffer.
//
// architecture: Service
package mqttsub

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/datasleigh/sleigh/sleighdb"
)

var (
	// Error is the default error class for the mqttsub package.
	Error = errs.Class("mqtt subscriber")

	errConnect    = errs.Class("connect")
	errSubscribe  = errs.Class("subscribe")
	errConnection = errs.Class("connection lost")
)

var mon = monkit.Package()

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho wants a quiesce in ms
)

// Config holds the local broker connection settings.
type Config struct {
	Broker      string        `help:"host of the local MQTT broker" default:"127.0.0.1"`
	Port        int           `help:"port of the local MQTT broker" default:"1883"`
	User        string        `help:"username for the local MQTT broker" default:""`
	Password    string        `help:"password for the local MQTT broker" default:""`
	ClientID    string        `help:"client id presented to the broker" default:"datasleigh"`
	QOS         int           `help:"MQTT quality of service for subscriptions" default:"1"`
	Keepalive   time.Duration `help:"MQTT keepalive" default:"30s"`
	Topics      Routes        `help:"routes as pattern:table:description, separated by ;" default:""`
	MaxRestarts int           `help:"give up after this many consecutive failed subscribe attempts" default:"5"`
}

// Verify checks the configuration.
func (config Config) Verify() error {
	if config.QOS < 0 || config.QOS > 2 {
		return Error.New("qos must be 0, 1 or 2, got %d", config.QOS)
	}
	if config.MaxRestarts <= 0 {
		return Error.New("max restarts must be positive")
	}
	return nil
}

// Ingest is where delivered messages go.
type Ingest interface {
	EnqueueObservation(table string, obs sleighdb.Observation)
}

// Service maintains the broker session and stamps deliveries at receipt.
type Service struct {
	log    *zap.Logger
	ingest Ingest
	config Config
}

// New creates a Source-A subscriber.
func New(log *zap.Logger, ingest Ingest, config Config) *Service {
	return &Service{
		log:    log,
		ingest: ingest,
		config: config,
	}
}

// Run keeps a subscribed session against the broker until the context is
// canceled, reconnecting with capped backoff. Connection losses and failed
// dials are retried forever; a broker that accepts the connection but
// rejects the subscription is treated as misconfiguration after
// MaxRestarts consecutive attempts.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	backoff := initialBackoff
	subscribeFailures := 0
	for {
		err := service.runSession(ctx)
		if ctx.Err() != nil || errs2.IsCanceled(err) {
			return nil
		}

		switch {
		case errSubscribe.Has(err):
			subscribeFailures++
			if subscribeFailures >= service.config.MaxRestarts {
				return Error.New("giving up after %d failed subscribe attempts: %v", subscribeFailures, err)
			}
		case errConnection.Has(err):
			// The session was healthy before it broke.
			subscribeFailures = 0
			backoff = initialBackoff
		default:
			subscribeFailures = 0
		}

		service.log.Warn("reconnecting", zap.Duration("backoff", backoff), zap.Error(err))
		if !sync2.Sleep(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runSession dials, subscribes all routes, and blocks until the connection
// drops or the context is canceled.
func (service *Service) runSession(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", service.config.Broker, service.config.Port)).
		SetClientID(service.config.ClientID).
		SetKeepAlive(service.config.Keepalive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if service.config.User != "" {
		opts.SetUsername(service.config.User)
		opts.SetPassword(service.config.Password)
	}

	lost := make(chan error, 1)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return errConnect.Wrap(err)
	}
	defer client.Disconnect(disconnectQuiesce)

	for _, route := range service.config.Topics {
		if err := wait(ctx, client.Subscribe(route.Pattern, byte(service.config.QOS), service.handle)); err != nil {
			return errSubscribe.Wrap(err)
		}
	}
	service.log.Info("subscribed", zap.Int("routes", len(service.config.Topics)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return errConnection.Wrap(err)
	}
}

func (service *Service) handle(_ mqtt.Client, msg mqtt.Message) {
	service.HandleMessage(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
}

// HandleMessage routes one delivery to its table and enqueues it stamped at
// receipt. Messages matching no route are dropped.
func (service *Service) HandleMessage(topic string, payload []byte, qos byte, retained bool) {
	table, ok := service.config.Topics.Table(topic)
	if !ok {
		mon.Meter("mqtt_unrouted").Mark(1)
		service.log.Debug("message matched no route", zap.String("topic", topic))
		return
	}
	service.ingest.EnqueueObservation(table, sleighdb.Observation{
		Time:    time.Now().UTC(),
		Topic:   topic,
		Payload: string(payload),
		QoS:     int(qos),
		Retain:  retained,
	})
	mon.Meter("mqtt_received").Mark(1)
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}
