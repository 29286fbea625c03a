package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

func init() {
	Register("redis", func(cfg Config) (Queue, error) {
		return NewRedis(cfg)
	})
}

const (
	queueKeyPrefix = "peagen:queue:"
	pendingKey     = "peagen:pending"
	channelPrefix  = "peagen:events:"

	// defaultCompressThreshold is the envelope size above which payloads
	// are stored zstd-compressed. DOE args can run to megabytes; list
	// entries below this size are not worth the cycles.
	defaultCompressThreshold = 4 * 1024

	// zstdMarker prefixes compressed entries. JSON never starts with 0x01.
	zstdMarker = 0x01
)

// Redis is the production Queue backed by Redis lists and pub/sub.
type Redis struct {
	client    *redis.Client
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewRedis connects to the Redis at cfg.URL and verifies the connection.
func NewRedis(cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("queue: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("queue: init zstd decoder: %w", err)
	}

	threshold := cfg.CompressThreshold
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	return &Redis{client: client, threshold: threshold, enc: enc, dec: dec}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests running
// against miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Redis{client: client, threshold: defaultCompressThreshold, enc: enc, dec: dec}
}

func (r *Redis) encode(env *Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("queue: encode envelope: %w", err)
	}
	if len(raw) > r.threshold {
		compressed := r.enc.EncodeAll(raw, []byte{zstdMarker})
		return string(compressed), nil
	}
	return string(raw), nil
}

func (r *Redis) decode(data string) (*Envelope, error) {
	raw := []byte(data)
	if len(raw) > 0 && raw[0] == zstdMarker {
		var err error
		raw, err = r.dec.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("queue: decompress envelope: %w", err)
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return &env, nil
}

// Push implements Queue.
func (r *Redis) Push(ctx context.Context, pool string, env *Envelope) error {
	data, err := r.encode(env)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, queueKeyPrefix+pool, data).Err(); err != nil {
		return fmt.Errorf("queue: push to %s: %w", pool, err)
	}
	return nil
}

// PopBlocking implements Queue via BLPOP. The popped envelope is recorded
// in the pending hash so a rejected dispatch can be requeued. The pop and
// the pending write are two round trips, so a consumer dying between them
// loses the envelope: delivery is at-most-once by choice. Closing that
// window would take an LMOVE onto a per-consumer processing list plus
// orphan reaping, and the task row still exists for operators to re-submit.
func (r *Redis) PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*Envelope, error) {
	res, err := r.client.BLPop(ctx, timeout, queueKeyPrefix+pool).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue: pop from %s: %w", pool, err)
	}
	env, err := r.decode(res[1])
	if err != nil {
		return nil, err
	}
	if err := r.client.HSet(ctx, pendingKey, env.ID, res[1]).Err(); err != nil {
		return nil, fmt.Errorf("queue: record pending %s: %w", env.ID, err)
	}
	return env, nil
}

// Ack implements Queue.
func (r *Redis) Ack(ctx context.Context, envelopeID string) error {
	n, err := r.client.HDel(ctx, pendingKey, envelopeID).Result()
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", envelopeID, err)
	}
	if n == 0 {
		return fmt.Errorf("queue: envelope %s is not pending", envelopeID)
	}
	return nil
}

// Requeue implements Queue.
func (r *Redis) Requeue(ctx context.Context, envelopeID string, reason RequeueReason) error {
	data, err := r.client.HGet(ctx, pendingKey, envelopeID).Result()
	if err == redis.Nil {
		return fmt.Errorf("queue: envelope %s is not pending", envelopeID)
	}
	if err != nil {
		return fmt.Errorf("queue: load pending %s: %w", envelopeID, err)
	}
	env, err := r.decode(data)
	if err != nil {
		return err
	}

	key := queueKeyPrefix + env.Pool
	if reason.AtHead() {
		err = r.client.LPush(ctx, key, data).Err()
	} else {
		err = r.client.RPush(ctx, key, data).Err()
	}
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", envelopeID, err)
	}
	return r.client.HDel(ctx, pendingKey, envelopeID).Err()
}

// Depth implements Queue.
func (r *Redis) Depth(ctx context.Context, pool string) (int64, error) {
	n, err := r.client.LLen(ctx, queueKeyPrefix+pool).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth of %s: %w", pool, err)
	}
	return n, nil
}

// Publish implements Queue.
func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.client.Publish(ctx, channelPrefix+channel, message).Err(); err != nil {
		return fmt.Errorf("queue: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Queue.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channelPrefix+channel)
	// Wait for the subscription to be established so callers never miss
	// messages published right after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("queue: subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements Queue.
func (r *Redis) Close() error {
	r.enc.Close()
	r.dec.Close()
	return r.client.Close()
}
