package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// stream ids are "<ms>-<seq>"; seq gets the low 20 bits of the event id
const redisSeqBits = 20

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
	Count    int64         `yaml:"count"`
	Buffer   int           `yaml:"buffer"`
	// PayloadField names the stream entry field carrying the payload. When the
	// field is absent the whole entry is encoded as JSON.
	PayloadField string `yaml:"payload_field"`
	// KeepDroppedPending leaves dropped and dead-lettered entries in the
	// pending list instead of acknowledging them.
	KeepDroppedPending bool `yaml:"keep_dropped_pending"`
}

func (c *RedisConfig) ApplyDefaults() {
	if c.Consumer == "" {
		c.Consumer = "reactor-" + uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.Count <= 0 {
		c.Count = 64
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.PayloadField == "" {
		c.PayloadField = "payload"
	}
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Stream == "" {
		return errors.New("redis.stream is required")
	}
	if c.Group == "" {
		return errors.New("redis.group is required")
	}
	return nil
}

// RedisStreamSource reads a stream through a consumer group and XACKs entries
// once their keys are durable.
type RedisStreamSource struct {
	id     string
	cfg    RedisConfig
	client *redis.Client
	box    *inbox

	mu       sync.Mutex
	inflight map[domain.Key]string
	readErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisStreamSource(id string, cfg RedisConfig) (*RedisStreamSource, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisStreamSource{
		id:       id,
		cfg:      cfg,
		box:      newInbox(cfg.Buffer),
		inflight: make(map[domain.Key]string),
	}, nil
}

func (r *RedisStreamSource) ID() string { return r.id }

func (r *RedisStreamSource) Ready() <-chan struct{} { return r.box.ready }

func (r *RedisStreamSource) Open(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     r.cfg.Addr,
		Password: r.cfg.Password,
		DB:       r.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	if err := client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		client.Close()
		return fmt.Errorf("creating consumer group: %w", err)
	}
	r.client = client

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.wg.Add(1)
	go r.read(readCtx)
	return nil
}

func (r *RedisStreamSource) read(ctx context.Context) {
	defer r.wg.Done()
	// replay entries delivered to this consumer but never acked, then switch to new ones
	cursor, replaying := "0", true
	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{r.cfg.Stream, cursor},
			Count:    r.cfg.Count,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.mu.Lock()
			r.readErr = err
			r.mu.Unlock()
			r.box.signal()
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.Block):
			}
			continue
		}

		seen := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				seen++
				if replaying {
					cursor = msg.ID
				}
				ev, err := r.toEvent(msg)
				if err != nil {
					// unparseable entries would be redelivered forever
					_ = r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, msg.ID).Err()
					r.mu.Lock()
					r.readErr = err
					r.mu.Unlock()
					r.box.signal()
					continue
				}
				r.mu.Lock()
				r.inflight[ev.Key()] = msg.ID
				r.mu.Unlock()
				if err := r.box.put(ctx, ev); err != nil {
					return
				}
			}
		}
		if replaying && seen == 0 {
			cursor, replaying = ">", false
		}
	}
}

func (r *RedisStreamSource) toEvent(msg redis.XMessage) (domain.Event, error) {
	id, err := ParseStreamID(msg.ID)
	if err != nil {
		return domain.Event{}, err
	}
	payload, err := entryPayload(msg.Values, r.cfg.PayloadField)
	if err != nil {
		return domain.Event{}, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	return domain.Event{
		SourceID:   r.id,
		ID:         id,
		Payload:    payload,
		ReceivedAt: time.UnixMilli(int64(id >> redisSeqBits)),
	}, nil
}

func (r *RedisStreamSource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	r.mu.Lock()
	err := r.readErr
	r.readErr = nil
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("redis read %s: %w", r.cfg.Stream, err)
	}
	return r.box.take(budget), nil
}

func (r *RedisStreamSource) Ack(ctx context.Context, keys []domain.Key) error {
	return r.xack(ctx, r.forget(keys))
}

// Release acknowledges entries the reactor gave up on unless they are kept
// pending by configuration. Either way this consumer stops tracking them.
func (r *RedisStreamSource) Release(ctx context.Context, keys []domain.Key) error {
	ids := r.forget(keys)
	if r.cfg.KeepDroppedPending {
		return nil
	}
	return r.xack(ctx, ids)
}

// forget drops keys from the in-flight map and returns their stream ids.
func (r *RedisStreamSource) forget(keys []domain.Key) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if sid, ok := r.inflight[k]; ok {
			ids = append(ids, sid)
			delete(r.inflight, k)
		}
	}
	return ids
}

func (r *RedisStreamSource) xack(ctx context.Context, ids []string) error {
	if len(ids) == 0 || r.client == nil {
		return nil
	}
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", r.cfg.Stream, err)
	}
	return nil
}

func (r *RedisStreamSource) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ParseStreamID maps a Redis stream id "<ms>-<seq>" onto a monotonic uint64.
func ParseStreamID(s string) (uint64, error) {
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		return 0, fmt.Errorf("stream id %q: missing sequence", s)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stream id %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stream id %q: %w", s, err)
	}
	if seq >= 1<<redisSeqBits || ms >= 1<<(64-redisSeqBits) {
		return 0, fmt.Errorf("stream id %q out of range", s)
	}
	return ms<<redisSeqBits | seq, nil
}

// FormatStreamID is the inverse of ParseStreamID.
func FormatStreamID(id uint64) string {
	return strconv.FormatUint(id>>redisSeqBits, 10) + "-" + strconv.FormatUint(id&(1<<redisSeqBits-1), 10)
}

func entryPayload(values map[string]any, field string) ([]byte, error) {
	if raw, ok := values[field]; ok {
		switch v := raw.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return []byte(fmt.Sprint(v)), nil
		}
	}
	return json.Marshal(values)
}

var (
	_ ports.Source   = (*RedisStreamSource)(nil)
	_ ports.Acker    = (*RedisStreamSource)(nil)
	_ ports.Releaser = (*RedisStreamSource)(nil)
	_ ports.Opener   = (*RedisStreamSource)(nil)
)
