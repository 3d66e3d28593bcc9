package memory_test

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestTimelineRepository_KeepsAppendOrderPerSaga(t *testing.T) {
	repo := memory.NewTimelineRepository()
	ctx := context.Background()

	for _, ev := range []domain.TimelineEvent{
		{SagaID: "saga-1", Kind: "created", Version: 1},
		{SagaID: "saga-2", Kind: "created", Version: 1},
		{SagaID: "saga-1", Kind: "step-succeeded", Step: domain.StepReserveInventory, Version: 2},
		{SagaID: "saga-1", Kind: "step-failed", Step: domain.StepProcessPayment, Version: 3, TimedOut: true},
	} {
		if _, err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := repo.List(ctx, "saga-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 3 || got[2].Seq != 4 {
		t.Fatalf("unexpected seq: %d %d %d", got[0].Seq, got[1].Seq, got[2].Seq)
	}
	if !got[2].TimedOut || got[2].Version != 3 {
		t.Fatalf("unexpected last event: %+v", got[2])
	}

	got[0].Kind = "mutated"
	again, _ := repo.List(ctx, "saga-1")
	if again[0].Kind != "created" {
		t.Fatal("List must return a copy")
	}

	if _, err := repo.Append(ctx, domain.TimelineEvent{Kind: "created"}); err == nil {
		t.Fatal("expected error for event without saga id")
	}
}
