// Command dlq-reprocess возвращает записи dead letter топика в исходные топики.
// По умолчанию работает как dry-run и только печатает кандидатов.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

const (
	envKafkaBrokers = "CHECKOUT_KAFKA_BROKERS"

	defaultLimit = 100
	defaultIdle  = 2 * time.Second
)

type options struct {
	brokers []string
	dlq     string
	// пустой target возвращает событие в origin_topic записи
	target     string
	source     string
	eventType  string
	limit      int
	execute    bool
	fromNewest bool
	idle       time.Duration
}

// topicOffsets: часть sarama.Client, нужная для выбора окна чтения.
type topicOffsets interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

// partitionReader реализуется sarama.Consumer.
type partitionReader interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
}

// sender реализуется *kafka.Producer.
type sender interface {
	Send(topic, key string, value []byte, headers map[string]string) error
}

type replayDeps struct {
	offsets topicOffsets
	reader  partitionReader
	sender  sender
	closers []io.Closer
}

func (d *replayDeps) Close() error {
	var result *multierror.Error
	// в обратном порядке открытия
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

var dial = func(opts options) (*replayDeps, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "checkout-dlq-reprocess"
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := &replayDeps{offsets: client, reader: consumer, closers: []io.Closer{client, consumer}}
	if !opts.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(opts.brokers)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	deps.sender = producer
	deps.closers = append(deps.closers, producer)
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), opts); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseOptions(args []string, out io.Writer) (options, error) {
	var (
		opts    options
		brokers string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&opts.dlq, "source-topic", domain.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.target, "target-topic", "", "publish every record here instead of its origin topic")
	fs.StringVar(&opts.source, "only-source", "", "outbox|consumer")
	fs.StringVar(&opts.eventType, "event-type", "", "replay only this event type")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max records to scan across partitions")
	fs.BoolVar(&opts.execute, "execute", false, "publish records; without it only candidates are logged")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the newest records of each partition")
	fs.DurationVar(&opts.idle, "idle-timeout", defaultIdle, "stop reading a partition after this long without records")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = os.Getenv(envKafkaBrokers)
	}
	opts.brokers = parseBrokers(brokers)
	opts.dlq = strings.TrimSpace(opts.dlq)
	opts.target = strings.TrimSpace(opts.target)
	opts.source = strings.ToLower(strings.TrimSpace(opts.source))

	return opts, opts.validate()
}

func (o options) validate() error {
	switch {
	case len(o.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case o.dlq == "":
		return errors.New("source-topic is required")
	case o.target == o.dlq:
		return errors.New("target-topic must differ from source-topic")
	case o.source != "" && o.source != domain.DeadLetterSourceOutbox && o.source != domain.DeadLetterSourceConsumer:
		return fmt.Errorf("only-source must be %s or %s", domain.DeadLetterSourceOutbox, domain.DeadLetterSourceConsumer)
	case o.limit <= 0:
		return errors.New("limit must be > 0")
	case o.idle <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, opts options) error {
	deps, err := dial(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.WithError(err).Warn("close kafka clients")
		}
	}()

	r := &replayer{opts: opts, offsets: deps.offsets, reader: deps.reader, sender: deps.sender}
	report, err := r.Run(ctx)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if opts.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"topic":    opts.dlq,
		"scanned":  report.scanned,
		"replayed": report.replayed,
		"filtered": report.filtered,
		"invalid":  report.invalid,
	}).Info("dlq replay finished")
	return nil
}

type report struct {
	scanned  int
	replayed int
	filtered int
	invalid  int
}

func (r *report) add(o report) {
	r.scanned += o.scanned
	r.replayed += o.replayed
	r.filtered += o.filtered
	r.invalid += o.invalid
}

type replayer struct {
	opts    options
	offsets topicOffsets
	reader  partitionReader
	sender  sender
}

// Run обходит партиции по возрастанию номера, пока не исчерпан limit.
func (r *replayer) Run(ctx context.Context) (report, error) {
	var total report
	if r.offsets == nil || r.reader == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.opts.execute && r.sender == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.dlq)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.opts.dlq, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		left := r.opts.limit - total.scanned
		if left <= 0 {
			break
		}
		part, err := r.replayPartition(ctx, partition, left)
		total.add(part)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// window возвращает полуинтервал [from, to) офсетов для чтения.
func window(oldest, newest int64, limit int, fromNewest bool) (from, to int64) {
	from, to = oldest, newest
	if fromNewest {
		from = max(oldest, newest-int64(limit))
	}
	return from, to
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (report, error) {
	var rep report

	oldest, err := r.offsets.GetOffset(r.opts.dlq, partition, sarama.OffsetOldest)
	if err != nil {
		return rep, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.opts.dlq, partition, sarama.OffsetNewest)
	if err != nil {
		return rep, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	from, to := window(oldest, newest, limit, r.opts.fromNewest)
	if from >= to {
		return rep, nil
	}

	pc, err := r.reader.ConsumePartition(r.opts.dlq, partition, from)
	if err != nil {
		return rep, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idle)
	defer idle.Stop()

	errs := pc.Errors()
	for rep.scanned < limit {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-idle.C:
			return rep, nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return rep, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= to {
				return rep, nil
			}
			idle.Reset(r.opts.idle)

			rep.scanned++
			if err := r.handle(msg, &rep); err != nil {
				return rep, err
			}
			if msg.Offset+1 >= to {
				return rep, nil
			}
		}
	}
	return rep, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, rep *report) error {
	out, ok, err := r.opts.rebuild(msg)
	switch {
	case err != nil:
		rep.invalid++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip malformed dead letter")
		return nil
	case !ok:
		rep.filtered++
		return nil
	}

	if r.opts.execute {
		if err := r.sender.Send(out.topic, out.key, out.value, out.headers); err != nil {
			return fmt.Errorf("replay %s: %w", out.headers[kafka.HeaderEventID], err)
		}
	} else {
		log.WithFields(log.Fields{
			"offset":     msg.Offset,
			"partition":  msg.Partition,
			"topic":      out.topic,
			"key":        out.key,
			"event_type": out.headers[kafka.HeaderEventType],
		}).Info("dlq replay candidate")
	}
	rep.replayed++
	return nil
}

type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

// rebuild восстанавливает исходное сообщение из записи DLQ.
// ok=false: запись не проходит фильтры.
func (o options) rebuild(msg *sarama.ConsumerMessage) (replayMessage, bool, error) {
	letter, err := kafka.ParseDeadLetter(msg)
	if err != nil {
		return replayMessage{}, false, err
	}
	if len(letter.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("dead letter %s has empty payload", letter.ID)
	}
	if (o.source != "" && letter.Source != o.source) || (o.eventType != "" && letter.EventType != o.eventType) {
		return replayMessage{}, false, nil
	}

	out := replayMessage{
		topic:   cmp.Or(o.target, letter.OriginTopic),
		key:     cmp.Or(letter.Key, letter.ID),
		value:   letter.Payload,
		headers: map[string]string{kafka.HeaderEventID: letter.ID},
	}
	if out.topic == o.dlq {
		return replayMessage{}, false, fmt.Errorf("dead letter %s points back to %s", letter.ID, out.topic)
	}
	if letter.EventType != "" {
		out.headers[kafka.HeaderEventType] = letter.EventType
	}
	if letter.Attempts > 0 {
		out.headers[kafka.HeaderRetryCount] = strconv.Itoa(letter.Attempts)
	}
	return out, true, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
