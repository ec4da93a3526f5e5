package source

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

func TestMessageToEventUsesPartitionIDSpace(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	ev := messageToEvent(kafka.Message{Topic: "vib", Partition: 3, Offset: 0, Value: []byte("v"), Time: ts})

	assert.Equal(t, "vib/3", ev.SourceID)
	assert.Equal(t, uint64(1), ev.ID, "offset 0 maps to id 1")
	assert.Equal(t, ts, ev.ReceivedAt)
}

func TestOffsetTrackerCommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	for off := int64(10); off < 14; off++ {
		msg := kafka.Message{Topic: "vib", Partition: 0, Offset: off}
		tr.delivered(messageToEvent(msg).Key(), msg)
	}
	key := func(off int64) domain.Key { return domain.Key{SourceID: "vib/0", ID: uint64(off) + 1} }

	// 11 and 13 acked first: nothing committable while 10 is outstanding
	assert.Empty(t, tr.ack([]domain.Key{key(11), key(13)}))

	out := tr.ack([]domain.Key{key(10)})
	require.Len(t, out, 1)
	assert.Equal(t, int64(11), out[0].Offset)

	out = tr.ack([]domain.Key{key(12)})
	require.Len(t, out, 1)
	assert.Equal(t, int64(13), out[0].Offset)
}

func TestOffsetTrackerPartitionsAreIndependent(t *testing.T) {
	tr := newOffsetTracker()
	m0 := kafka.Message{Topic: "t", Partition: 0, Offset: 5}
	m1 := kafka.Message{Topic: "t", Partition: 1, Offset: 7}
	tr.delivered(messageToEvent(m0).Key(), m0)
	tr.delivered(messageToEvent(m1).Key(), m1)

	out := tr.ack([]domain.Key{messageToEvent(m1).Key(), {SourceID: "t/9", ID: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Partition)
}

func TestOffsetTrackerIgnoresRefetchBelowCommitted(t *testing.T) {
	tr := newOffsetTracker()
	msg := func(off int64) kafka.Message { return kafka.Message{Topic: "vib", Partition: 0, Offset: off} }
	deliver := func(off int64) { tr.delivered(messageToEvent(msg(off)).Key(), msg(off)) }
	key := func(off int64) domain.Key { return messageToEvent(msg(off)).Key() }

	deliver(0)
	require.Len(t, tr.ack([]domain.Key{key(0)}), 1)

	// rebalance refetches 0 after it was committed
	deliver(0)
	deliver(1)
	deliver(2)
	out := tr.ack([]domain.Key{key(1), key(2)})
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Offset)
	assert.Empty(t, tr.partitions["vib/0"].order)
}

func TestOffsetTrackerCommitsPastReleasedOffset(t *testing.T) {
	tr := newOffsetTracker()
	var rest []domain.Key
	for off := int64(0); off < 100; off++ {
		m := kafka.Message{Topic: "vib", Partition: 0, Offset: off}
		tr.delivered(messageToEvent(m).Key(), m)
		if off > 0 {
			rest = append(rest, messageToEvent(m).Key())
		}
	}

	assert.Empty(t, tr.ack(rest), "offset 0 still outstanding")

	// offset 0 was dropped under overload and is released
	out := tr.ack([]domain.Key{{SourceID: "vib/0", ID: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, int64(99), out[0].Offset)
	assert.Empty(t, tr.partitions["vib/0"].order)
	assert.Empty(t, tr.partitions["vib/0"].msgs)
}

func TestKafkaReleaseWithoutReader(t *testing.T) {
	s, err := NewKafkaSource("k", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "vib", GroupID: "g"})
	require.NoError(t, err)
	m := kafka.Message{Topic: "vib", Partition: 0, Offset: 0}
	s.tracker.delivered(messageToEvent(m).Key(), m)

	require.NoError(t, s.Release(context.Background(), []domain.Key{messageToEvent(m).Key()}))
	assert.Equal(t, int64(1), s.tracker.partitions["vib/0"].next)
}

func TestKafkaConfigValidation(t *testing.T) {
	_, err := NewKafkaSource("k", KafkaConfig{Topic: "t", GroupID: "g"})
	assert.Error(t, err)

	s, err := NewKafkaSource("k", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"})
	require.NoError(t, err)
	assert.Equal(t, "earliest", s.cfg.StartOffset)
	assert.Equal(t, "k", s.ID())
}
