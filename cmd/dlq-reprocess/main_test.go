package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
)

const deadLetterRecord = `{"original_topic":"orderflow.submissions","original_partition":0,"original_offset":7,` +
	`"original_key":"order-1","original_value":"{\"orderId\":\"order-1\"}","error_message":"timeout",` +
	`"failed_at":"2026-01-01T00:00:00Z","receive_count":3}`

func deadLetter(partition int32, offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Partition: partition, Offset: offset, Value: []byte(deadLetterRecord)}
}

func testConfig() config {
	return config{
		brokers:     []string{"broker:9092"},
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicSubmissions,
		limit:       10,
		idleTimeout: 20 * time.Millisecond,
	}
}

func newTestReplayer(cfg config, offsets offsetClient, consumer partitionConsumerSource, publisher replayPublisher, out io.Writer) *replayer {
	return &replayer{
		cfg:       cfg,
		offsets:   offsets,
		consumer:  consumer,
		publisher: publisher,
		out:       out,
		logger:    quietLogger(),
	}
}

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: nil},
		{raw: " , ", want: nil},
		{raw: " broker-1:9092, ,broker-2:9092 ", want: []string{"broker-1:9092", "broker-2:9092"}},
	}
	for _, tt := range tests {
		got := parseBrokers(tt.raw)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Fatalf("parseBrokers(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config)
		want   string
	}{
		{name: "brokers", mutate: func(c *config) { c.brokers = nil }, want: "kafka brokers are required"},
		{name: "source", mutate: func(c *config) { c.sourceTopic = " " }, want: "source-topic is required"},
		{name: "target", mutate: func(c *config) { c.targetTopic = "" }, want: "target-topic is required"},
		{name: "limit", mutate: func(c *config) { c.limit = 0 }, want: "limit must be > 0"},
		{name: "idle", mutate: func(c *config) { c.idleTimeout = 0 }, want: "idle-timeout must be > 0"},
	}

	if err := validateConfig(testConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := validateConfig(cfg); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}

	err := validateConfig(config{})
	if err == nil || !strings.Contains(err.Error(), "limit") || !strings.Contains(err.Error(), "brokers") {
		t.Fatalf("expected all problems reported at once, got %v", err)
	}
}

func TestDecodeReplay(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantTopic string
		wantKey   string
		wantErr   error
	}{
		{name: "full record", value: deadLetterRecord, wantTopic: kafka.TopicSubmissions, wantKey: "order-1"},
		{name: "default topic and key", value: `{"original_value":"{\"orderId\":\"order-9\"}"}`, wantTopic: "fallback", wantKey: "order-9"},
		{name: "no payload", value: `{"original_topic":"t","original_key":"k"}`, wantErr: errMissingPayload},
		{name: "payload without order", value: `{"original_value":"{\"customerName\":\"Ann\"}"}`, wantErr: errMissingOrderID},
		{name: "payload not json", value: `{"original_value":"oops"}`},
		{name: "record not json", value: `not-json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, orderID, err := decodeReplay(&sarama.ConsumerMessage{Value: []byte(tt.value)}, "fallback")
			if tt.wantTopic == "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if record.Topic != tt.wantTopic || record.Key != tt.wantKey || orderID != tt.wantKey {
				t.Fatalf("unexpected record %+v order %q", record, orderID)
			}
			if len(record.Headers) != 1 || string(record.Headers[0].Key) != kafka.HeaderReceiveCount || string(record.Headers[0].Value) != "0" {
				t.Fatalf("receive count must be reset, got %+v", record.Headers)
			}
		})
	}
}

func TestRootCommand_Flags(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	var captured config
	newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		captured = cfg
		return nil, nil, nil, errors.New("stop here")
	}

	cmd := newRootCommand(io.Discard)
	cmd.SetArgs([]string{
		"--brokers=broker-1:9092,broker-2:9092",
		"--source-topic=orderflow.dlq",
		"--limit=10",
		"--execute",
		"--from-newest",
		"--idle-timeout=3s",
	})
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "stop here") {
		t.Fatalf("expected deps error, got %v", err)
	}

	want := config{
		brokers:     []string{"broker-1:9092", "broker-2:9092"},
		sourceTopic: "orderflow.dlq",
		targetTopic: kafka.TopicSubmissions,
		limit:       10,
		execute:     true,
		fromNewest:  true,
		idleTimeout: 3 * time.Second,
	}
	if fmt.Sprintf("%+v", captured) != fmt.Sprintf("%+v", want) {
		t.Fatalf("expected %+v, got %+v", want, captured)
	}
}

func TestRootCommand_BrokersFromConfig(t *testing.T) {
	oldDeps, oldLoad := newReplayDependencies, loadBrokers
	defer func() { newReplayDependencies, loadBrokers = oldDeps, oldLoad }()

	loadBrokers = func(string) ([]string, error) { return []string{"config-broker:9092"}, nil }
	var captured config
	newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		captured = cfg
		return nil, nil, nil, errors.New("stop here")
	}

	cmd := newRootCommand(io.Discard)
	cmd.SetArgs([]string{})
	_ = cmd.ExecuteContext(context.Background())

	if len(captured.brokers) != 1 || captured.brokers[0] != "config-broker:9092" {
		t.Fatalf("expected brokers from config, got %+v", captured.brokers)
	}
	if captured.execute {
		t.Fatal("dry-run must be the default")
	}

	loadBrokers = func(string) ([]string, error) { return nil, errors.New("bad yaml") }
	cmd = newRootCommand(io.Discard)
	cmd.SetArgs([]string{})
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestReplayer_DryRunPrintsCandidates(t *testing.T) {
	offsets := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(deadLetter(0, 0), deadLetter(0, 1))},
	}

	var out bytes.Buffer
	stats, err := newTestReplayer(testConfig(), offsets, consumer, nil, &out).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats != (replayStats{scanned: 2, replayed: 2}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := strings.Count(out.String(), "would replay order=order-1"); got != 2 {
		t.Fatalf("expected two candidates, got output %q", out.String())
	}
}

func TestReplayer_ExecutePublishes(t *testing.T) {
	offsets := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 3}},
	}
	bad := &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: []byte(`{"original_topic":"x"}`)}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(deadLetter(0, 0), bad, deadLetter(0, 2))},
	}
	publisher := &stubPublisher{}
	cfg := testConfig()
	cfg.execute = true

	stats, err := newTestReplayer(cfg, offsets, consumer, publisher, io.Discard).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats != (replayStats{scanned: 3, replayed: 2, skipped: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(publisher.records) != 2 || publisher.records[0].Topic != kafka.TopicSubmissions {
		t.Fatalf("unexpected published records %+v", publisher.records)
	}

	publisher.err = errors.New("broker down")
	consumer.consumers[0] = closedPartitionConsumer(deadLetter(0, 0))
	if _, err := newTestReplayer(cfg, offsets, consumer, publisher, io.Discard).Run(context.Background()); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestReplayer_LimitAndPartitionOrder(t *testing.T) {
	offsets := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer(deadLetter(0, 0)),
			2: closedPartitionConsumer(deadLetter(2, 0)),
		},
	}
	cfg := testConfig()
	cfg.limit = 1

	if _, err := newTestReplayer(cfg, offsets, consumer, nil, io.Discard).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("expected only partition 0 to be read, got %+v", consumer.calls)
	}
}

func TestReplayer_FromNewestStartsWithinBudget(t *testing.T) {
	offsets := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 10}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer()}}
	cfg := testConfig()
	cfg.limit = 3
	cfg.fromNewest = true

	if _, err := newTestReplayer(cfg, offsets, consumer, nil, io.Discard).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 7 {
		t.Fatalf("expected start offset 7, got %+v", consumer.calls)
	}
}

func TestReplayer_Errors(t *testing.T) {
	cfg := testConfig()
	ranges := map[int32]offsetRange{0: {oldest: 0, newest: 2}}

	tests := []struct {
		name     string
		cfg      config
		offsets  *stubOffsetClient
		consumer *stubPartitionConsumerSource
	}{
		{name: "partitions", cfg: cfg, offsets: &stubOffsetClient{partitionsErr: errors.New("metadata")}, consumer: &stubPartitionConsumerSource{}},
		{name: "offsets", cfg: cfg, offsets: &stubOffsetClient{partitions: []int32{0}, offsetErr: map[int32]error{0: errors.New("offset")}}, consumer: &stubPartitionConsumerSource{}},
		{name: "consume", cfg: cfg, offsets: &stubOffsetClient{partitions: []int32{0}, offsets: ranges}, consumer: &stubPartitionConsumerSource{consumeErr: errors.New("consume")}},
		{name: "consumer error", cfg: cfg, offsets: &stubOffsetClient{partitions: []int32{0}, offsets: ranges}, consumer: &stubPartitionConsumerSource{
			consumers: map[int32]partitionConsumer{0: failingPartitionConsumer(errors.New("boom"))},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newTestReplayer(tt.cfg, tt.offsets, tt.consumer, nil, io.Discard).Run(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := newTestReplayer(cfg, nil, nil, nil, io.Discard).Run(context.Background()); err == nil {
		t.Fatal("expected missing dependencies error")
	}
	executeCfg := cfg
	executeCfg.execute = true
	if _, err := newTestReplayer(executeCfg, &stubOffsetClient{}, &stubPartitionConsumerSource{}, nil, io.Discard).Run(context.Background()); err == nil {
		t.Fatal("expected execute mode to require a producer")
	}
}

func TestReplayer_IdleTimeoutAndCancel(t *testing.T) {
	offsets := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}

	stats, err := newTestReplayer(testConfig(), offsets, consumer, nil, io.Discard).Run(context.Background())
	if err != nil || stats.scanned != 0 {
		t.Fatalf("idle partition: stats=%+v err=%v", stats, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig()
	cfg.idleTimeout = time.Minute
	if _, err := newTestReplayer(cfg, offsets, consumer, nil, io.Discard).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_PrintsSummaryAndClosesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	offsets := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(deadLetter(0, 0))}}
	publisher := &stubPublisher{}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		return offsets, consumer, publisher, nil
	}

	cfg := testConfig()
	cfg.execute = true
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "execute: scanned=1 replayed=1 skipped=0") {
		t.Fatalf("unexpected summary %q", out.String())
	}
	if !offsets.closed || !consumer.closed || !publisher.closed {
		t.Fatalf("dependencies not closed: offsets=%v consumer=%v publisher=%v", offsets.closed, consumer.closed, publisher.closed)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	if marker == sarama.OffsetOldest {
		return r.oldest, nil
	}
	return r.newest, nil
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	return append([]int32(nil), s.partitions...), s.partitionsErr
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

func failingPartitionConsumer(err error) *stubPartitionConsumer {
	errCh := make(chan *sarama.ConsumerError, 1)
	errCh <- &sarama.ConsumerError{Err: err}
	return &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: errCh}
}

type stubPublisher struct {
	records []kafka.Record
	err     error
	closed  bool
}

func (s *stubPublisher) Publish(_ context.Context, record kafka.Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
