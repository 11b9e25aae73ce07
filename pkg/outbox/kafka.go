package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
)

const (
	DefaultDeliveryTimeout = 30 * time.Second

	headerChannel = "channel"
	headerAttempt = "attempt"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	AuthIAM bool
	// DeliveryTimeout bounds how long a record may wait for its ack,
	// broker retries included.
	DeliveryTimeout   time.Duration
	Partitions        int32
	ReplicationFactor int16
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	return nil
}

// KafkaProducer publishes notification records to one topic and reports
// each record's ack, so the relay marks rows delivered only once the broker
// has them.
type KafkaProducer struct {
	client *kgo.Client
	cfg    KafkaConfig
}

func NewKafkaProducer(ctx context.Context, cfg KafkaConfig) (*KafkaProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		// Idempotent writes are on by default and need acks from every
		// in-sync replica; a batch retried by the client is then written once.
		kgo.RequiredAcks(kgo.AllISRAcks()),
		// Every record of one notification goes to the same partition, so a
		// consumer sees a redelivered notification next to the first copy.
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.NoCompression()),
	}
	if cfg.AuthIAM {
		opt, err := iamAuth(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt, kgo.DialTLS())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaProducer{client: client, cfg: cfg}, nil
}

// iamAuth signs SASL with the default AWS credential chain, for MSK.
func iamAuth(ctx context.Context) (kgo.Opt, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
		creds, err := awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return aws.Auth{}, err
		}
		return aws.Auth{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
		}, nil
	})), nil
}

// ProduceSync produces rs and blocks until every record is acked or failed.
func (p *KafkaProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	return p.client.ProduceSync(ctx, rs...)
}

// EnsureTopic creates the notification topic if it is missing. The topic is
// compacted: records are keyed by message ID, so compaction keeps one copy
// of a notification the relay published more than once.
func (p *KafkaProducer) EnsureTopic(ctx context.Context) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopic(ctx, p.cfg.Partitions, p.cfg.ReplicationFactor,
		map[string]*string{"cleanup.policy": kadm.StringPtr("compact")}, p.cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", p.cfg.Topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}

// NewRecord encodes m for topic, keyed by its ID. The attempt header counts
// this delivery, starting at 1.
func NewRecord(topic string, m Message) (*kgo.Record, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification %s: %w", m.ID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(m.ID.String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerChannel, Value: []byte(m.Channel)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(m.Attempts + 1))},
		},
	}, nil
}
