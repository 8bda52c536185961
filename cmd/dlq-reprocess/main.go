package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	appconfig "github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	clientID           = "orderflow-dlq-reprocess"
)

var (
	errMissingPayload = errors.New("dead letter has no original payload")
	errMissingOrderID = errors.New("original payload has no orderId")
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	Publish(ctx context.Context, record kafka.Record) error
	Close() error
}

type saramaConsumer struct {
	sarama.Consumer
}

func (c saramaConsumer) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return c.Consumer.ConsumePartition(topic, partition, offset)
}

var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = clientID
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !cfg.execute {
		return client, saramaConsumer{consumer}, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, clientID)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, saramaConsumer{consumer}, producer, nil
}

// loadBrokers читает брокеры из конфигурации orderflow, когда флаг не задан.
var loadBrokers = func(configPath string) ([]string, error) {
	cfg, _, err := appconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Kafka.Brokers, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dlq replay failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(output io.Writer) *cobra.Command {
	var (
		brokersRaw string
		configPath string
		cfg        config
	)

	cmd := &cobra.Command{
		Use:   "dlq-reprocess",
		Short: "Replay dead-lettered order submissions back to the submissions topic",
		Long: "Scans the dead-letter topic and republishes the original submission payloads " +
			"with the receive count reset. Runs in dry-run mode unless --execute is set.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.brokers = parseBrokers(brokersRaw)
			if len(cfg.brokers) == 0 {
				loaded, err := loadBrokers(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg.brokers = loaded
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.SetOut(output)
	cmd.SetErr(output)

	flags := cmd.Flags()
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: kafka.brokers from config)")
	flags.StringVar(&configPath, "config", "", "path to orderflow.yaml")
	flags.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead-letter topic to scan")
	flags.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicSubmissions, "topic for records without an original topic")
	flags.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of dead letters to scan")
	flags.BoolVar(&cfg.execute, "execute", false, "publish replays; default is dry-run")
	flags.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest records of each partition")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without records")

	return cmd
}

func validateConfig(cfg config) error {
	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required (--brokers or kafka.brokers)"))
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if cfg.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	return errors.Join(errs...)
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	offsets, consumer, publisher, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if publisher != nil {
			_ = publisher.Close()
		}
		_ = consumer.Close()
		_ = offsets.Close()
	}()

	r := &replayer{
		cfg:       cfg,
		offsets:   offsets,
		consumer:  consumer,
		publisher: publisher,
		out:       out,
		logger:    log.WithField("source_topic", cfg.sourceTopic),
	}
	stats, err := r.Run(ctx)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	_, err = fmt.Fprintf(out, "%s: scanned=%d replayed=%d skipped=%d\n", mode, stats.scanned, stats.replayed, stats.skipped)
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// replayer сканирует партиции dead-letter топика по возрастанию номера,
// пока не исчерпан лимит.
type replayer struct {
	cfg       config
	offsets   offsetClient
	consumer  partitionConsumerSource
	publisher replayPublisher
	out       io.Writer
	logger    *log.Entry
}

func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.offsets == nil || r.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.publisher == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.partition(ctx, partition, budget)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *replayer) partition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.replay(ctx, msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// replay публикует (или печатает в dry-run) одну запись. Нераспознанные записи пропускаются.
func (r *replayer) replay(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	record, orderID, err := decodeReplay(msg, r.cfg.targetTopic)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("skip unsupported dead letter")
		return false, nil
	}

	if !r.cfg.execute {
		_, err := fmt.Fprintf(r.out, "would replay order=%s topic=%s partition=%d offset=%d\n",
			orderID, record.Topic, msg.Partition, msg.Offset)
		return err == nil, err
	}

	if err := r.publisher.Publish(ctx, record); err != nil {
		return false, fmt.Errorf("replay order %s: %w", orderID, err)
	}
	r.logger.WithFields(fields).WithField("order_id", orderID).Info("dead letter replayed")
	return true, nil
}

// decodeReplay восстанавливает исходную подачу заказа из записи dead-letter топика
// и сбрасывает счётчик доставок.
func decodeReplay(msg *sarama.ConsumerMessage, defaultTopic string) (kafka.Record, string, error) {
	dead, err := kafka.ParseDeadLetter(msg.Value)
	if err != nil {
		return kafka.Record{}, "", err
	}
	if dead.OriginalValue == "" {
		return kafka.Record{}, "", errMissingPayload
	}

	payload := []byte(dead.OriginalValue)
	submission, err := kafka.ParseSubmission(&sarama.ConsumerMessage{Value: payload})
	if err != nil {
		return kafka.Record{}, "", err
	}
	if strings.TrimSpace(submission.OrderID) == "" {
		return kafka.Record{}, "", errMissingOrderID
	}

	topic := strings.TrimSpace(dead.OriginalTopic)
	if topic == "" {
		topic = defaultTopic
	}
	key := dead.OriginalKey
	if key == "" {
		key = submission.OrderID
	}

	return kafka.Record{
		Topic: topic,
		Key:   key,
		Value: payload,
		Headers: []sarama.RecordHeader{
			{Key: []byte(kafka.HeaderReceiveCount), Value: []byte("0")},
		},
	}, submission.OrderID, nil
}
