package kafka

import (
	"context"
	"time"

	"volsurface/internal/domain/volsurface"
)

// DefaultSnapshotTopic carries one event per saved snapshot
const DefaultSnapshotTopic = "surface.snapshots"

// Compile-time check
var _ volsurface.Publisher = (*SnapshotPublisher)(nil)

// SnapshotEvent is the message announcing a saved snapshot. The mesh itself stays in the store.
type SnapshotEvent struct {
	Key             string             `json:"key"`
	BuildID         string             `json:"build_id"`
	Currency        string             `json:"currency"`
	Timestamp       time.Time          `json:"timestamp"`
	Method          volsurface.Method  `json:"method"`
	UnderlyingPrice float64            `json:"underlying_price"`
	DVOL            volsurface.Value   `json:"dvol"`
	Metrics         volsurface.Metrics `json:"metrics"`
}

// NewSnapshotEvent projects a snapshot into its event
func NewSnapshotEvent(s *volsurface.Snapshot) SnapshotEvent {
	return SnapshotEvent{
		Key:             s.Key(),
		BuildID:         s.BuildID,
		Currency:        s.Currency,
		Timestamp:       s.Timestamp,
		Method:          s.Method,
		UnderlyingPrice: s.UnderlyingPrice,
		DVOL:            s.DVOL,
		Metrics:         s.Metrics,
	}
}

type publisher interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// SnapshotPublisher sends snapshot events keyed by currency, so each currency stays ordered
type SnapshotPublisher struct {
	producer publisher
	topic    string
}

// NewSnapshotPublisher creates a publisher on topic, DefaultSnapshotTopic when empty
func NewSnapshotPublisher(producer *Producer, topic string) *SnapshotPublisher {
	return newSnapshotPublisher(producer, topic)
}

func newSnapshotPublisher(p publisher, topic string) *SnapshotPublisher {
	if topic == "" {
		topic = DefaultSnapshotTopic
	}
	return &SnapshotPublisher{producer: p, topic: topic}
}

// PublishSnapshot implements volsurface.Publisher
func (p *SnapshotPublisher) PublishSnapshot(ctx context.Context, s *volsurface.Snapshot) error {
	return p.producer.Publish(ctx, p.topic, s.Currency, NewSnapshotEvent(s))
}
