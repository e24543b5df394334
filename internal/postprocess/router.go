package postprocess

import (
	"context"
	"errors"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/logging"
	"github.com/sirupsen/logrus"
)

// PubSub is the transport tasks travel over.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// Close releases the publisher, subscriber and any client they share.
func (p *PubSub) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewPubSub returns an in-memory transport, or a Redis Streams one when
// redis is enabled so that several server processes share the work.
func NewPubSub(ctx context.Context, cfg config.PostProcessConfig, logger *logrus.Logger) (*PubSub, error) {
	wmLogger := logging.NewWatermillAdapter(logger)

	if !cfg.Redis.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		return &PubSub{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := ensureGroupAtTail(ctx, client, cfg.Topic, cfg.Redis.Group); err != nil {
		_ = client.Close()
		return nil, err
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.Redis.Group,
		Consumer:      cfg.Redis.Consumer,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}

	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{pub.Close, sub.Close, client.Close},
	}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new group does not
// replay the stream history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// NewRouter wires the worker to the task topic.
func NewRouter(sub message.Subscriber, topic string, worker *Worker, logger *logrus.Logger) (*message.Router, error) {
	wmLogger := logging.NewWatermillAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)
	router.AddNoPublisherHandler("postprocess", topic, sub, worker.Handle)

	return router, nil
}
