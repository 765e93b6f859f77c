package dispatch

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/pitabwire/hrflow/internal/config"
)

// NewPubSub creates the publisher and subscriber for the configured driver.
// The gochannel driver returns one in-process instance for both and only
// works when the relay and the consumer share a process.
func NewPubSub(cfg config.DispatchConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.Driver {
	case "", "gochannel":
		pubSub := gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(max(cfg.BatchSize, 1) * 4),
			},
			logger,
		)
		return pubSub, pubSub, nil

	case "kafka":
		return newKafkaPubSub(cfg.Kafka, logger)

	default:
		return nil, nil, fmt.Errorf("dispatch: unsupported driver %q", cfg.Driver)
	}
}

func newKafkaPubSub(cfg config.KafkaConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("dispatch: kafka driver needs at least one broker")
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         cfg.ConsumerGroup,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: kafka subscriber: %w", err)
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true
	saramaPublisherConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaPublisherConfig.Producer.Idempotent = true
	saramaPublisherConfig.Net.MaxOpenRequests = 1
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, nil, fmt.Errorf("dispatch: kafka publisher: %w", err)
	}

	return publisher, subscriber, nil
}
