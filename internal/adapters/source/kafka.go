package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	GroupID     string        `yaml:"group_id"`
	StartOffset string        `yaml:"start_offset"` // earliest | latest
	MaxWait     time.Duration `yaml:"max_wait"`
	Buffer      int           `yaml:"buffer"`
}

func (c *KafkaConfig) ApplyDefaults() {
	if c.StartOffset == "" {
		c.StartOffset = "earliest"
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// KafkaSource consumes one topic through a consumer group. Every partition is
// its own id space: events carry SourceID "<topic>/<partition>" and ID offset+1.
// Offsets are committed only up to the highest contiguously acked message.
type KafkaSource struct {
	id     string
	cfg    KafkaConfig
	reader *kafka.Reader
	box    *inbox

	mu       sync.Mutex
	tracker  *offsetTracker
	fetchErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(id string, cfg KafkaConfig) (*KafkaSource, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &KafkaSource{
		id:      id,
		cfg:     cfg,
		box:     newInbox(cfg.Buffer),
		tracker: newOffsetTracker(),
	}, nil
}

func (k *KafkaSource) ID() string { return k.id }

func (k *KafkaSource) Ready() <-chan struct{} { return k.box.ready }

func (k *KafkaSource) Open(ctx context.Context) error {
	startOffset := kafka.FirstOffset
	if strings.EqualFold(k.cfg.StartOffset, "latest") {
		startOffset = kafka.LastOffset
	}
	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.cfg.Topic,
		GroupID:     k.cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     k.cfg.MaxWait,
		StartOffset: startOffset,
		Dialer:      &kafka.Dialer{Timeout: 10 * time.Second},
	})

	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k.cancel = cancel
	k.wg.Add(1)
	go k.fetch(fetchCtx)
	return nil
}

func (k *KafkaSource) fetch(ctx context.Context) {
	defer k.wg.Done()
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.mu.Lock()
			k.fetchErr = err
			k.mu.Unlock()
			k.box.signal()
			select {
			case <-ctx.Done():
				return
			case <-time.After(k.cfg.MaxWait):
			}
			continue
		}

		ev := messageToEvent(msg)
		k.mu.Lock()
		k.tracker.delivered(ev.Key(), msg)
		k.mu.Unlock()

		if err := k.box.put(ctx, ev); err != nil {
			return
		}
	}
}

// ReadReady returns buffered messages; a fetch failure since the last call is
// reported once as the error.
func (k *KafkaSource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	k.mu.Lock()
	err := k.fetchErr
	k.fetchErr = nil
	k.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("kafka fetch %s: %w", k.cfg.Topic, err)
	}
	return k.box.take(budget), nil
}

func (k *KafkaSource) Ack(ctx context.Context, keys []domain.Key) error {
	return k.commit(ctx, keys)
}

// Release treats dropped or dead-lettered offsets as done so the group offset
// can move past them.
func (k *KafkaSource) Release(ctx context.Context, keys []domain.Key) error {
	return k.commit(ctx, keys)
}

func (k *KafkaSource) commit(ctx context.Context, keys []domain.Key) error {
	k.mu.Lock()
	commits := k.tracker.ack(keys)
	k.mu.Unlock()
	if len(commits) == 0 || k.reader == nil {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, commits...); err != nil {
		return fmt.Errorf("kafka commit %s: %w", k.cfg.Topic, err)
	}
	slog.Debug("kafka offsets committed", "source", k.id, "partitions", len(commits))
	return nil
}

func (k *KafkaSource) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	if k.reader != nil {
		return k.reader.Close()
	}
	return nil
}

func messageToEvent(msg kafka.Message) domain.Event {
	received := msg.Time
	if received.IsZero() {
		received = time.Now()
	}
	return domain.Event{
		SourceID:   partitionSourceID(msg.Topic, msg.Partition),
		ID:         uint64(msg.Offset) + 1,
		Payload:    msg.Value,
		ReceivedAt: received,
	}
}

func partitionSourceID(topic string, partition int) string {
	return topic + "/" + strconv.Itoa(partition)
}

// offsetTracker turns out-of-order acks into in-order commits per partition.
type offsetTracker struct {
	partitions map[string]*partitionTrack
}

type partitionTrack struct {
	order []int64 // delivered offsets, ascending
	msgs  map[int64]kafka.Message
	acked map[int64]bool
	// offsets below next are committed; a refetch of them is ignored
	next int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[string]*partitionTrack)}
}

func (t *offsetTracker) delivered(key domain.Key, msg kafka.Message) {
	p, ok := t.partitions[key.SourceID]
	if !ok {
		p = &partitionTrack{msgs: make(map[int64]kafka.Message), acked: make(map[int64]bool)}
		t.partitions[key.SourceID] = p
	}
	if msg.Offset < p.next {
		return
	}
	if _, seen := p.msgs[msg.Offset]; seen {
		return
	}
	p.order = append(p.order, msg.Offset)
	p.msgs[msg.Offset] = msg
}

// ack marks keys done and returns, per partition, the last message of the
// acked prefix. Committing it moves the group offset past that prefix.
func (t *offsetTracker) ack(keys []domain.Key) []kafka.Message {
	touched := map[string]struct{}{}
	for _, k := range keys {
		p, ok := t.partitions[k.SourceID]
		if !ok || k.ID == 0 {
			continue
		}
		off := int64(k.ID - 1)
		if _, ok := p.msgs[off]; !ok {
			continue
		}
		p.acked[off] = true
		touched[k.SourceID] = struct{}{}
	}

	var out []kafka.Message
	for src := range touched {
		p := t.partitions[src]
		var (
			last kafka.Message
			n    int
		)
		for n < len(p.order) && p.acked[p.order[n]] {
			off := p.order[n]
			last = p.msgs[off]
			delete(p.msgs, off)
			delete(p.acked, off)
			n++
		}
		if n > 0 {
			p.order = p.order[n:]
			p.next = last.Offset + 1
			out = append(out, last)
		}
	}
	return out
}

var (
	_ ports.Source   = (*KafkaSource)(nil)
	_ ports.Acker    = (*KafkaSource)(nil)
	_ ports.Releaser = (*KafkaSource)(nil)
	_ ports.Opener   = (*KafkaSource)(nil)
)
