package store

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafka_PutProducesKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		val, _ := msg.Value.Encode()
		if string(key) != "alice/docs/doc-1/ops/op-1" {
			t.Errorf("key = %q, want %q", key, "alice/docs/doc-1/ops/op-1")
		}
		if string(val) != "payload" {
			t.Errorf("value = %q, want %q", val, "payload")
		}
		return nil
	})
	consumer := mocks.NewConsumer(t, nil)

	k := NewKafka(producer, consumer, "docsync-graph", nil)
	ops := OpsAccessor(k)("alice", "doc-1")
	require.NoError(t, ops.Get("op-1").Put(context.Background(), []byte("payload")))
	require.NoError(t, producer.Close())
}

func TestKafka_PutError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	k := NewKafka(producer, mocks.NewConsumer(t, nil), "docsync-graph", nil)

	err := OpsAccessor(k)("alice", "doc-1").Get("op-1").Put(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestKafka_OnConsumesChildren(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"docsync-graph": {0, 1}})
	p0 := consumer.ExpectConsumePartition("docsync-graph", 0, sarama.OffsetOldest)
	p1 := consumer.ExpectConsumePartition("docsync-graph", 1, sarama.OffsetOldest)
	p0.YieldMessage(&sarama.ConsumerMessage{Key: []byte("alice/docs/doc-1/ops/op-1"), Value: []byte("one")})
	p1.YieldMessage(&sarama.ConsumerMessage{Key: []byte("bob/docs/doc-1/ops/op-9"), Value: []byte("other")})
	p1.YieldMessage(&sarama.ConsumerMessage{Key: []byte("alice/docs/doc-1/ops/op-2"), Value: []byte("two")})

	k := NewKafka(mocks.NewSyncProducer(t, nil), consumer, "docsync-graph", nil)
	c := &collector{}
	OpsAccessor(k)("alice", "doc-1").Map().On(c.handle)

	require.Eventually(t, func() bool {
		return len(c.keys()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"op-1", "op-2"}, c.keys())

	// 后来的订阅者从内存副本回放
	late := &collector{}
	OpsAccessor(k)("bob", "doc-1").Map().On(late.handle)
	assert.Equal(t, []string{"op-9"}, late.keys())
}

func TestKafka_Close(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"docsync-graph": {0}})
	consumer.ExpectConsumePartition("docsync-graph", 0, sarama.OffsetOldest)

	k := NewKafka(mocks.NewSyncProducer(t, nil), consumer, "docsync-graph", nil)
	OpsAccessor(k)("alice", "doc-1").Map().On(func([]byte, string) {})

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	err := OpsAccessor(k)("alice", "doc-1").Get("x").Put(context.Background(), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
}
