package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func fastSettings(attempts int) Settings {
	s := DefaultSettings()
	s.MaxAttempts = attempts
	s.RetryBaseDelay = 0
	return s
}

func reservedEvent(id, reservationID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		Topic:         domain.TopicInventoryEvents,
		AggregateType: "reservation",
		AggregateID:   reservationID,
		EventType:     string(domain.EventInventoryReserved),
		Payload:       []byte(`{"reservation_id":"` + reservationID + `"}`),
	}
}

func TestStreams_GroupsByAggregateInOrder(t *testing.T) {
	t.Parallel()

	batch := []domain.OutboxMessage{
		{ID: "1", AggregateID: "a"},
		{ID: "2", AggregateID: "b"},
		{ID: "3"},
		{ID: "4", AggregateID: "a"},
		{ID: "5"},
	}
	got := streams(batch)
	ids := make([][]string, 0, len(got))
	for _, stream := range got {
		var s []string
		for _, msg := range stream {
			s = append(s, msg.ID)
		}
		ids = append(ids, s)
	}
	want := [][]string{{"1", "4"}, {"2"}, {"3"}, {"5"}}
	if len(ids) != len(want) {
		t.Fatalf("expected %d streams, got %v", len(want), ids)
	}
	for i := range want {
		if !slices.Equal(ids[i], want[i]) {
			t.Fatalf("stream %d: expected %v, got %v", i, want[i], ids[i])
		}
	}
}

func TestSettings_Normalized(t *testing.T) {
	t.Parallel()

	s := Settings{RetryBaseDelay: -time.Second}.normalized()
	def := DefaultSettings()
	if s.PollInterval != def.PollInterval || s.BatchSize != def.BatchSize || s.MaxAttempts != def.MaxAttempts {
		t.Fatalf("zero settings must fall back to defaults: %+v", s)
	}
	if s.RetryBaseDelay != 0 || s.Parallelism != 1 {
		t.Fatalf("unexpected delay or parallelism: %+v", s)
	}
}

func TestWorker_DeliversAndMarksSent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(reservedEvent("msg-1", "res-1"), reservedEvent("msg-2", "res-2"))
	pub := &fakePublisher{}

	if sent := NewWorker(repo, pub, fastSettings(3)).ProcessOnce(context.Background()); sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	sent, failed := repo.marks()
	slices.Sort(sent)
	if !slices.Equal(sent, []string{"msg-1", "msg-2"}) || len(failed) != 0 {
		t.Fatalf("unexpected marks: sent=%v failed=%v", sent, failed)
	}
	for _, msg := range pub.got() {
		if msg.Topic != domain.TopicInventoryEvents {
			t.Fatalf("record must keep its topic, got %q", msg.Topic)
		}
	}
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(reservedEvent("msg-3", "res-3"))
	pub := &fakePublisher{script: []error{errors.New("leader not available"), errors.New("timeout"), nil}}

	NewWorker(repo, pub, fastSettings(3)).ProcessOnce(context.Background())

	if pub.attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", pub.attempts())
	}
	if sent, _ := repo.marks(); len(sent) != 1 {
		t.Fatalf("expected sent mark after retry, got %v", sent)
	}
}

func TestWorker_ExhaustedRecordGoesToDeadLetters(t *testing.T) {
	t.Parallel()

	msg := domain.OutboxMessage{
		ID:            "saga-1-v4",
		Topic:         domain.TopicSagaEvents,
		AggregateType: "saga",
		AggregateID:   "order-2",
		EventType:     string(domain.EventSagaCompensated),
		Payload:       []byte(`{"status":"COMPENSATED"}`),
	}
	repo := newFakeRepo(msg)
	pub := &fakePublisher{err: errors.New("broker down")}
	dlq := &fakePublisher{}

	NewWorker(repo, pub, fastSettings(3), WithDeadLetters(dlq)).ProcessOnce(context.Background())

	if pub.attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", pub.attempts())
	}
	sent, failed := repo.marks()
	if len(sent) != 0 || !slices.Equal(failed, []string{"saga-1-v4"}) {
		t.Fatalf("unexpected marks: sent=%v failed=%v", sent, failed)
	}

	letters := dlq.got()
	if len(letters) != 1 || letters[0].Topic != domain.TopicDeadLetterQueue {
		t.Fatalf("expected one dlq record, got %+v", letters)
	}
	var letter domain.DeadLetter
	if err := json.Unmarshal(letters[0].Payload, &letter); err != nil {
		t.Fatalf("dead letter is not json: %v", err)
	}
	if letter.OriginTopic != domain.TopicSagaEvents || letter.Source != domain.DeadLetterSourceOutbox || letter.Key != "order-2" {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
	if letter.Attempts != 3 || string(letter.Payload) != `{"status":"COMPENSATED"}` || letter.Error == "" {
		t.Fatalf("unexpected dead letter content: %+v", letter)
	}
}

func TestWorker_DeadLetterFailureKeepsRecordPending(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(reservedEvent("msg-1", "res-1"), reservedEvent("msg-2", "res-1"))
	pub := &fakePublisher{failIDs: map[string]bool{"msg-1": true}}
	dlq := &fakePublisher{err: errors.New("dlq down")}

	if sent := NewWorker(repo, pub, fastSettings(1), WithDeadLetters(dlq)).ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("nothing may be sent behind a stuck record, got %d", sent)
	}
	if sent, failed := repo.marks(); len(sent)+len(failed) != 0 {
		t.Fatalf("records must stay pending: sent=%v failed=%v", sent, failed)
	}
}

func TestWorker_StuckAggregateDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(
		domain.OutboxMessage{ID: "a-1", AggregateID: "order-1", Topic: domain.TopicSagaEvents},
		domain.OutboxMessage{ID: "a-2", AggregateID: "order-1", Topic: domain.TopicSagaEvents},
		domain.OutboxMessage{ID: "b-1", AggregateID: "order-2", Topic: domain.TopicSagaEvents},
	)
	pub := &fakePublisher{failIDs: map[string]bool{"a-1": true}}

	NewWorker(repo, pub, fastSettings(2)).ProcessOnce(context.Background())

	sent, failed := repo.marks()
	if !slices.Equal(sent, []string{"b-1"}) || len(failed) != 0 {
		t.Fatalf("only order-2 may be sent: sent=%v failed=%v", sent, failed)
	}
	for _, msg := range pub.got() {
		if msg.ID == "a-2" {
			t.Fatal("a-2 published before a-1")
		}
	}
}

func TestWorker_CancelledContextPublishesNothing(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(reservedEvent("msg-1", "res-1"))
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if sent := NewWorker(repo, pub, fastSettings(3)).ProcessOnce(ctx); sent != 0 || pub.attempts() != 0 {
		t.Fatalf("expected no work, sent=%d attempts=%d", sent, pub.attempts())
	}
}

func TestWorker_PullErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.pullErr = errors.New("db down")
	if sent := NewWorker(repo, &fakePublisher{}, fastSettings(1)).ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("expected 0 sent, got %d", sent)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	settings := fastSettings(1)
	settings.PollInterval = 5 * time.Millisecond
	worker := NewWorker(newFakeRepo(), &fakePublisher{}, settings)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RunWithoutPublisherReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(newFakeRepo(), nil, Settings{}).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker must return immediately")
	}
}

type fakeRepo struct {
	mu      sync.Mutex
	pending []domain.OutboxMessage
	pullErr error
	sent    []string
	failed  []string
}

func newFakeRepo(msgs ...domain.OutboxMessage) *fakeRepo {
	return &fakeRepo{pending: msgs}
}

func (f *fakeRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msg)
	return msg, nil
}

func (f *fakeRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return slices.Clone(f.pending[:min(limit, len(f.pending))]), nil
}

func (f *fakeRepo) Stats() (domain.OutboxStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(f.pending)}
	if len(f.pending) > 0 {
		stats.OldestPendingAt = time.Now().Add(-time.Second)
	}
	return stats, nil
}

func (f *fakeRepo) MarkSent(id string) error   { return f.settle(id, &f.sent) }
func (f *fakeRepo) MarkFailed(id string) error { return f.settle(id, &f.failed) }

func (f *fakeRepo) settle(id string, into *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.pending, func(m domain.OutboxMessage) bool { return m.ID == id })
	if i < 0 {
		return domain.ErrOutboxPublish
	}
	f.pending = slices.Delete(f.pending, i, i+1)
	*into = append(*into, id)
	return nil
}

func (f *fakeRepo) marks() (sent, failed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent), slices.Clone(f.failed)
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	script    []error
	failIDs   map[string]bool
	calls     int
	published []domain.OutboxMessage
}

func (f *fakePublisher) Publish(msg domain.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failIDs[msg.ID] {
		return errors.New("broker rejected record")
	}
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return err
		}
	} else if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePublisher) got() []domain.OutboxMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

var (
	_ domain.OutboxRepository = (*fakeRepo)(nil)
	_ domain.OutboxPublisher  = (*fakePublisher)(nil)
)
