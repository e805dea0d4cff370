// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cloudsub subscribes to the cloud pub/sub service with bearer-token
// auth and routes device reports into the ingest buffer.
//
// architecture: Service
package cloudsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/datasleigh/sleigh/sleighdb"
)

var (
	// Error is the default error class for the cloudsub package.
	Error = errs.Class("cloud subscriber")

	errAuth       = errs.Class("authenticate")
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

// DeviceList is a comma separated list of device ids, configurable as one
// flag value.
type DeviceList []string

// Ensure that DeviceList implements pflag.Value.
var _ pflag.Value = (*DeviceList)(nil)

// String returns the flag form of the list.
func (list DeviceList) String() string { return strings.Join(list, ",") }

// Set parses the flag form.
func (list *DeviceList) Set(value string) error {
	parsed := DeviceList{}
	for _, id := range strings.Split(value, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			parsed = append(parsed, id)
		}
	}
	*list = parsed
	return nil
}

// Type implements pflag.Value.
func (DeviceList) Type() string { return "cloudsub.DeviceList" }

// Config holds the cloud service credentials and device registry.
type Config struct {
	ID            string        `help:"account id used when requesting a token" default:""`
	Secret        string        `help:"account secret used when requesting a token" default:""`
	AuthEndpoint  string        `help:"endpoint exchanging credentials for a bearer token" default:""`
	BrokerURL     string        `help:"cloud MQTT endpoint, e.g. tcp://host:port" default:""`
	ClientID      string        `help:"client id presented to the cloud broker" default:"datasleigh-cloud"`
	QOS           int           `help:"MQTT quality of service for subscriptions" default:"0"`
	Keepalive     time.Duration `help:"MQTT keepalive" default:"30s"`
	RefreshMargin time.Duration `help:"refresh the token this long before expiry" default:"5m"`
	AirDevices    DeviceList    `help:"device ids reporting temperature and humidity, comma separated" default:""`
	WaterDevices  DeviceList    `help:"device ids reporting temperature only, comma separated" default:""`
	MaxRestarts   int           `help:"give up after this many consecutive failed subscribe attempts" default:"5"`
}

// Enabled reports whether any devices are configured.
func (config Config) Enabled() bool {
	return len(config.AirDevices)+len(config.WaterDevices) > 0
}

// Verify checks the configuration. A config with no devices is valid and
// means the subscriber stays disabled.
func (config Config) Verify() error {
	if !config.Enabled() {
		return nil
	}
	if config.ID == "" || config.Secret == "" {
		return Error.New("id and secret are required when devices are configured")
	}
	if config.AuthEndpoint == "" {
		return Error.New("auth endpoint is required when devices are configured")
	}
	if config.BrokerURL == "" {
		return Error.New("broker url is required when devices are configured")
	}
	if config.QOS < 0 || config.QOS > 2 {
		return Error.New("qos must be 0, 1 or 2, got %d", config.QOS)
	}
	if config.MaxRestarts <= 0 {
		return Error.New("max restarts must be positive")
	}
	air := make(map[string]bool, len(config.AirDevices))
	for _, id := range config.AirDevices {
		air[id] = true
	}
	for _, id := range config.WaterDevices {
		if air[id] {
			return Error.New("device %q is configured as both air and water", id)
		}
	}
	return nil
}

// Registry maps configured device ids to their class.
func (config Config) Registry() map[string]sleighdb.DeviceClass {
	registry := make(map[string]sleighdb.DeviceClass, len(config.AirDevices)+len(config.WaterDevices))
	for _, id := range config.AirDevices {
		registry[id] = sleighdb.DeviceAir
	}
	for _, id := range config.WaterDevices {
		registry[id] = sleighdb.DeviceWater
	}
	return registry
}

// Ingest is where parsed device events go.
type Ingest interface {
	EnqueueDeviceEvent(event sleighdb.DeviceEvent)
}

// Service maintains the authenticated cloud session.
type Service struct {
	log      *zap.Logger
	ingest   Ingest
	tokens   *TokenSource
	config   Config
	registry map[string]sleighdb.DeviceClass

	mu     sync.Mutex
	warned map[string]struct{}
}

// New creates a Source-B subscriber.
func New(log *zap.Logger, ingest Ingest, tokens *TokenSource, config Config) *Service {
	return &Service{
		log:      log,
		ingest:   ingest,
		tokens:   tokens,
		config:   config,
		registry: config.Registry(),
		warned:   make(map[string]struct{}),
	}
}

// Run keeps an authenticated, subscribed session against the cloud broker
// until the context is canceled. Token rejections discard the cached token
// and re-authenticate; dials and drops retry forever with capped backoff;
// rejected subscriptions become fatal after MaxRestarts consecutive
// attempts.
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

func (service *Service) runSession(ctx context.Context) error {
	token, err := service.tokens.Token(ctx)
	if err != nil {
		return errAuth.Wrap(err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(service.config.BrokerURL).
		SetClientID(service.config.ClientID).
		SetUsername(token).
		SetKeepAlive(service.config.Keepalive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true)

	lost := make(chan error, 1)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
			errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			service.tokens.Invalidate()
			return errAuth.Wrap(err)
		}
		return errConnect.Wrap(err)
	}
	defer client.Disconnect(disconnectQuiesce)

	for _, id := range append(append(DeviceList{}, service.config.AirDevices...), service.config.WaterDevices...) {
		topic := "devices/" + id + "/report"
		if err := wait(ctx, client.Subscribe(topic, byte(service.config.QOS), service.handle)); err != nil {
			return errSubscribe.Wrap(err)
		}
	}
	service.log.Info("subscribed", zap.Int("devices", len(service.registry)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return errConnection.Wrap(err)
	}
}

func (service *Service) handle(_ mqtt.Client, msg mqtt.Message) {
	service.HandleMessage(msg.Payload())
}

// HandleMessage parses one report and enqueues it. Parse failures are
// dropped without halting the subscriber, warned once per failure kind and
// logged at debug after that.
func (service *Service) HandleMessage(payload []byte) {
	event, err := ParseEvent(payload, service.registry)
	if err != nil {
		mon.Meter("cloud_event_dropped").Mark(1)
		kind := parseFailureKind(err)
		if service.firstFailure(kind) {
			service.log.Warn("dropping unparseable event", zap.String("kind", kind), zap.Error(err))
		} else {
			service.log.Debug("dropping unparseable event", zap.String("kind", kind), zap.Error(err))
		}
		return
	}
	service.ingest.EnqueueDeviceEvent(event)
	mon.Meter("cloud_event_received").Mark(1)
}

// firstFailure reports whether kind has not been seen before and records it.
func (service *Service) firstFailure(kind string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	if _, ok := service.warned[kind]; ok {
		return false
	}
	service.warned[kind] = struct{}{}
	return true
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}
