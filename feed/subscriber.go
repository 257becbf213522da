package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"web/markergrid/config"
	"web/markergrid/logging"
	"web/markergrid/metrics"
	"web/markergrid/runner"
)

// NewRedisClient connects to the server named in cfg.
func NewRedisClient(cfg config.FeedConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Subscriber applies messages from every {prefix}:* channel in arrival
// order.
type Subscriber struct {
	rdb     redis.UniversalClient
	svc     runner.Service
	prefix  string
	logger  logging.Logger
	metrics *metrics.Metrics
	ready   chan struct{}
}

func NewSubscriber(rdb redis.UniversalClient, svc runner.Service, prefix string, logger logging.Logger, m *metrics.Metrics) *Subscriber {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if prefix == "" {
		prefix = config.DefaultFeedPrefix
	}
	return &Subscriber{
		rdb:     rdb,
		svc:     svc,
		prefix:  prefix,
		logger:  logger.Named("feed"),
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is in place.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Channel returns the channel updates for layerID are published on.
func (s *Subscriber) Channel(layerID string) string {
	return s.prefix + ":" + layerID
}

// Run consumes messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pattern := s.prefix + ":*"
	ps := s.rdb.PSubscribe(ctx, pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	close(s.ready)
	s.logger.Info("feed subscribed", logging.String("pattern", pattern))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, m *redis.Message) {
	layerID := strings.TrimPrefix(m.Channel, s.prefix+":")
	log := s.logger.With(logging.String("layer", layerID))

	msg, err := Decode([]byte(m.Payload))
	if err != nil {
		s.metrics.RecordFeedMessage("invalid", err)
		log.Warn("dropping feed message", logging.Err(err))
		return
	}

	start := time.Now()
	err = Apply(ctx, s.svc, layerID, msg)
	s.metrics.RecordFeedMessage(string(msg.Op), err)
	switch {
	case err == nil:
		log.Debug("feed message applied",
			logging.String("op", string(msg.Op)),
			logging.Duration("duration", time.Since(start)))
	case errors.Is(err, runner.ErrLayerNotFound), errors.Is(err, runner.ErrInvalidArgument):
		log.Warn("feed message rejected", logging.String("op", string(msg.Op)), logging.Err(err))
	default:
		log.Error("feed message failed", logging.String("op", string(msg.Op)), logging.Err(err))
	}
}

// Publish sends msg to layerID's channel.
func Publish(ctx context.Context, rdb redis.UniversalClient, prefix, layerID string, msg *Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := rdb.Publish(ctx, prefix+":"+layerID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", msg.Op, layerID, err)
	}
	return nil
}
