package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"translate-admission/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type Publisher struct {
	projectID  string
	eventTopic string
	credsFile  string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, eventTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, eventTopic: eventTopic, credsFile: credsFile}
}

func (p *Publisher) init(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.eventTopic).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.eventTopic).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.eventTopic).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.eventTopic)
	// Events of one job share an ordering key so consumers see them in order.
	p.topic.EnableMessageOrdering = true
	log.Info().Str("topic", p.eventTopic).Msg("pubsub publisher initialized")
	return p.topic, nil
}

// PublishEvent publishes ev and waits for the server ack.
func (p *Publisher) PublishEvent(ctx context.Context, ev *queues.JobEvent) error {
	topic, err := p.init(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Interface("event", ev).Msg("failed to marshal job event")
		return err
	}
	msg := &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"status": string(ev.Status), "kind": ev.Kind},
	}
	if topic.EnableMessageOrdering {
		msg.OrderingKey = orderingKey(ev)
	}
	r := topic.Publish(ctx, msg)
	id, err := r.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			topic.ResumePublish(msg.OrderingKey)
		}
		log.Error().Err(err).Str("jobId", ev.JobID).Str("status", string(ev.Status)).Msg("failed to publish job event")
		return err
	}
	log.Debug().Str("messageID", id).Str("jobId", ev.JobID).Str("status", string(ev.Status)).Msg("published job event")
	return nil
}

func orderingKey(ev *queues.JobEvent) string {
	if ev.JobID != "" {
		return ev.JobID
	}
	return ev.Target
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
