// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sessionkeeper/internal/breaker"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// WatermillPublisher sends events through any Watermill publisher behind a
// circuit breaker.
type WatermillPublisher struct {
	publisher message.Publisher
	cb        *gobreaker.CircuitBreaker[struct{}]
	prefix    string

	mu     sync.RWMutex
	closed bool
}

// NewWatermillPublisher wraps pub. Topics are prefixed with prefix.
func NewWatermillPublisher(pub message.Publisher, prefix string, cfg breaker.Config) *WatermillPublisher {
	if cfg.Name == "" {
		cfg.Name = "event-publisher"
	}
	return &WatermillPublisher{
		publisher: pub,
		cb:        breaker.New[struct{}](cfg),
		prefix:    prefix,
	}
}

// NewNATSPublisher connects to NATS and returns a publisher for it. With
// JetStream enabled, streams are provisioned on first publish and the event
// id is used for server-side deduplication.
func NewNATSPublisher(cfg config.NATSConfig, logger watermill.LoggerAdapter) (*WatermillPublisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      !cfg.JetStream,
			AutoProvision: cfg.JetStream,
			TrackMsgId:    cfg.JetStream,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	return NewWatermillPublisher(pub, cfg.SubjectPrefix, breaker.Config{
		Name:             "nats-publisher",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}), nil
}

// Publish encodes event and sends it on its topic.
func (p *WatermillPublisher) Publish(_ context.Context, event *SessionEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("type", string(event.Type))
	msg.Metadata.Set("server_id", event.ServerID)
	msg.Metadata.Set(natsgo.MsgIdHdr, event.ID)

	_, err = breaker.Execute(p.cb, func() (struct{}, error) {
		return struct{}{}, p.publisher.Publish(event.Topic(p.prefix), msg)
	})
	if err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(event.Type)).Inc()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Close shuts down the underlying publisher. It is safe to call twice.
func (p *WatermillPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
