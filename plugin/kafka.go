package plugin

import (
	"strings"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/protocol"
)

// OutputKafkaConfig is the representation of kafka output configuration
type OutputKafkaConfig struct {
	Brokers    []string `json:"output-kafka-broker"`
	Topic      string   `json:"output-kafka-topic"`
	SASLConfig SASLKafkaConfig
}

// SASLKafkaConfig SASL configuration
type SASLKafkaConfig struct {
	UseSASL   bool   `json:"output-kafka-use-sasl"`
	Mechanism string `json:"output-kafka-mechanism"`
	Username  string `json:"output-kafka-username"`
	Password  string `json:"output-kafka-password"`
}

// KafkaOutput publishes tap records, keyed by flow id, to one topic.
type KafkaOutput struct {
	codec    protocol.Codec
	topic    string
	producer sarama.AsyncProducer
	done     chan struct{}
}

func NewKafkaConfig(cf *OutputKafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = "ebpfcca"
	c.Producer.RequiredAcks = sarama.WaitForLocal
	c.Producer.Compression = sarama.CompressionSnappy
	c.Producer.Return.Errors = true
	if cf.SASLConfig.UseSASL {
		c.Net.SASL.Enable = true
		c.Net.SASL.User = cf.SASLConfig.Username
		c.Net.SASL.Password = cf.SASLConfig.Password
		if cf.SASLConfig.Mechanism != "" {
			c.Net.SASL.Mechanism = sarama.SASLMechanism(strings.ToUpper(cf.SASLConfig.Mechanism))
		}
	}
	return c
}

func NewKafkaOutput(codec string, cf *OutputKafkaConfig) (*KafkaOutput, error) {
	producer, err := sarama.NewAsyncProducer(cf.Brokers, NewKafkaConfig(cf))
	if err != nil {
		return nil, errors.Wrapf(err, "kafka producer for %v", cf.Brokers)
	}
	return NewKafkaOutputWithProducer(codec, cf.Topic, producer), nil
}

// NewKafkaOutputWithProducer takes ownership of producer.
func NewKafkaOutputWithProducer(codec string, topic string, producer sarama.AsyncProducer) *KafkaOutput {
	o := &KafkaOutput{
		codec:    protocol.GetCodec(codec),
		topic:    topic,
		producer: producer,
		done:     make(chan struct{}),
	}
	go o.watchErrors()
	return o
}

func (o *KafkaOutput) watchErrors() {
	defer close(o.done)
	for err := range o.producer.Errors() {
		slog.Error("kafka tap: %v", err)
	}
}

func (o *KafkaOutput) Write(rec *protocol.Record) error {
	data, err := o.codec.Marshal(rec)
	if err != nil {
		return err
	}
	o.producer.Input() <- &sarama.ProducerMessage{
		Topic: o.topic,
		Key:   sarama.StringEncoder(rec.FlowID.String()),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

func (o *KafkaOutput) Close() error {
	err := o.producer.Close()
	<-o.done
	return err
}

func (o *KafkaOutput) String() string {
	return "kafka tap: " + o.topic
}
