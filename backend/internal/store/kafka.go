package store

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"github.com/apex/log"
)

// Kafka 把每条记录作为一条消息写入 topic，消息 key 是完整路径。
// 第一次订阅时从最早 offset 消费所有分区，已消费的记录在内存里保留一份，
// 供之后的订阅回放。
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	log      log.Interface

	fan       fanout
	startOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	records map[string]map[string][]byte
	order   map[string][]string
	pcs     []sarama.PartitionConsumer
	closed  bool
}

var _ Graph = (*Kafka)(nil)

// NewKafka 接管 producer 和 consumer，Close 时一并关闭
func NewKafka(producer sarama.SyncProducer, consumer sarama.Consumer, topic string, logger log.Interface) *Kafka {
	if logger == nil {
		logger = log.Log
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		log:      logger.WithFields(log.Fields{"store": "kafka", "topic": topic}),
		records:  make(map[string]map[string][]byte),
		order:    make(map[string][]string),
	}
}

// NewKafkaConfig 生产端等待全部副本确认，消费端从最早 offset 开始
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

func (k *Kafka) Root() Node { return newRoot(k) }

func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	pcs := k.pcs
	k.pcs = nil
	k.mu.Unlock()

	k.fan.clear()
	for _, pc := range pcs {
		pc.AsyncClose()
	}
	k.wg.Wait()
	return errors.Join(k.consumer.Close(), k.producer.Close())
}

func (k *Kafka) put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(path),
		Value: sarama.ByteEncoder(value),
	}
	_, _, err := k.producer.SendMessage(msg)
	return err
}

func (k *Kafka) subscribe(parent string, h Handler) Subscription {
	k.startOnce.Do(k.start)

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return offFunc(nil)
	}
	id := k.fan.add(parent, h)
	keys := append([]string(nil), k.order[parent]...)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = k.records[parent][key]
	}
	k.mu.Unlock()

	for i, key := range keys {
		h(values[i], key)
	}
	return offFunc(func() { k.fan.remove(parent, id) })
}

func (k *Kafka) start() {
	partitions, err := k.consumer.Partitions(k.topic)
	if err != nil {
		k.log.WithError(err).Error("list partitions failed")
		return
	}
	for _, p := range partitions {
		pc, err := k.consumer.ConsumePartition(k.topic, p, sarama.OffsetOldest)
		if err != nil {
			k.log.WithError(err).WithField("partition", p).Error("consume partition failed")
			continue
		}
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			pc.AsyncClose()
			return
		}
		k.pcs = append(k.pcs, pc)
		k.mu.Unlock()

		k.wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer k.wg.Done()
			for msg := range pc.Messages() {
				k.ingest(string(msg.Key), msg.Value)
			}
		}(pc)
	}
}

func (k *Kafka) ingest(path string, value []byte) {
	parent, key, ok := splitPath(path)
	if !ok {
		k.log.WithField("path", path).Debug("skip message without parent")
		return
	}
	k.mu.Lock()
	if k.records[parent] == nil {
		k.records[parent] = make(map[string][]byte)
	}
	if _, exists := k.records[parent][key]; !exists {
		k.order[parent] = append(k.order[parent], key)
	}
	k.records[parent][key] = value
	k.mu.Unlock()

	for _, h := range k.fan.handlers(parent) {
		h(value, key)
	}
}
