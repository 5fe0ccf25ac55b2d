package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"translate-admission/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start receives commands until ctx is done. Handler errors nack the
// message for redelivery; undecodable or invalid commands are acked and
// dropped.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.Command) error) error {
	if s.client == nil {
		var (
			client *gpubsub.Client
			err    error
		)
		if s.credsFile != "" {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID, option.WithCredentialsFile(s.credsFile))
		} else {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID)
		}
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		var cmd queues.Command
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal command; dropping")
			m.Ack()
			return
		}
		if err := cmd.Validate(); err != nil {
			log.Error().Err(err).Str("type", string(cmd.Type)).Str("target", cmd.Target).Msg("invalid command payload; dropping")
			m.Ack()
			return
		}

		log.Info().Str("type", string(cmd.Type)).Str("target", cmd.Target).Str("kind", cmd.Kind).Str("requestId", cmd.RequestID).Msg("handling command")
		if err := handler(ctx, &cmd); err != nil {
			log.Error().Err(err).Str("type", string(cmd.Type)).Str("requestId", cmd.RequestID).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("type", string(cmd.Type)).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
