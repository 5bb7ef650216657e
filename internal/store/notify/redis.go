package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"icebreaker/backend/pkg/logger"
)

// Redis fans change signals out through Redis pub/sub so every server
// instance sees appends made by the others.
type Redis struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db)
func NewRedis(ctx context.Context, url string, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{client: client, log: log.WithComponent("notify.redis")}, nil
}

// Channel is the pub/sub channel for roomID
func Channel(roomID string) string {
	return "room:" + roomID + ":changes"
}

// Publish sends a change signal for roomID
func (r *Redis) Publish(ctx context.Context, roomID string) error {
	if err := r.client.Publish(ctx, Channel(roomID), roomID).Err(); err != nil {
		return fmt.Errorf("publish change for room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe listens on the room's channel until cancel or ctx ends
func (r *Redis) Subscribe(ctx context.Context, roomID string) (<-chan struct{}, func(), error) {
	ps := r.client.Subscribe(ctx, Channel(roomID))
	// Receive waits for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}

	out := make(chan struct{}, 1)
	in := ps.Channel()
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case _, ok := <-in:
				if !ok {
					r.log.Warn("redis subscription ended", "room_id", roomID)
					return
				}
				signal(out)
			}
		}
	}()

	return out, cancel, nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
