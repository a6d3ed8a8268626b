package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis-backed bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Bus over Redis PUBLISH/SUBSCRIBE. Messages published
// while a node is disconnected are lost; the backplane tolerates that and
// converges on entry TTLs instead.
type Redis struct {
	client *redis.Client
	owned  bool

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// NewRedis creates a bus with its own client. The connection is established
// lazily on first use.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, owned: true}
}

// NewRedisFromClient wraps an existing client. Close leaves the client open
// for its other users.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()

	sub := r.client.Subscribe(subCtx, topic)
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
	if r.owned {
		return r.client.Close()
	}
	return nil
}
