// Package realtime fans bookmark change events out to subscribed clients
// over a per-owner Redis pub/sub channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"markstash/internal/store"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Event is the tagged variant delivered on a change channel: an insert
// carries the new bookmark, a delete carries the removed id. Payloads are
// validated at this boundary; nothing unvalidated reaches a consumer.
type Event struct {
	Kind     Kind            `json:"kind"`
	Bookmark *store.Bookmark `json:"bookmark,omitempty"`
	ID       string          `json:"id,omitempty"`
}

// Subscription is a live change channel for one owner. Events() closes when
// the underlying channel fails or Close is called; holders must Close to
// release the server-side subscription.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Feed struct {
	client *redis.Client
}

func NewFeed(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Feed{client: client}, nil
}

func NewFeedWithClient(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func (f *Feed) Close() error {
	return f.client.Close()
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func channelFor(ownerID string) string {
	return "bookmarks:events:" + ownerID
}

func (f *Feed) PublishInsert(ctx context.Context, b store.Bookmark) error {
	return f.publish(ctx, b.OwnerID, Event{Kind: KindInsert, Bookmark: &b})
}

func (f *Feed) PublishDelete(ctx context.Context, ownerID, id string) error {
	return f.publish(ctx, ownerID, Event{Kind: KindDelete, ID: id})
}

func (f *Feed) publish(ctx context.Context, ownerID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, channelFor(ownerID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Kind, err)
	}
	return nil
}

// Subscribe opens one change channel scoped to ownerID. It returns only
// after the server confirms the subscription, so a non-error return means
// the channel is live.
func (f *Feed) Subscribe(ctx context.Context, ownerID string) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, channelFor(ownerID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe owner %s: %w", ownerID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}

func (s *redisSubscription) run() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		event, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Printf("realtime: dropping malformed event: %v", err)
			continue
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

// decodeEvent validates the wire payload before it enters the engine.
func decodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch event.Kind {
	case KindInsert:
		if event.Bookmark == nil || event.Bookmark.ID == "" {
			return Event{}, errors.New("insert event missing bookmark")
		}
	case KindDelete:
		if event.ID == "" {
			return Event{}, errors.New("delete event missing id")
		}
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", event.Kind)
	}
	return event, nil
}
