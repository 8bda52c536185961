package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

func sampleOrder(id string) domain.Order {
	return domain.Order{
		ID:           id,
		CustomerName: "Ada",
		Items:        []string{"book"},
		Total:        decimal.RequireFromString("10.50"),
		CreatedAt:    time.Now().UTC(),
		Status:       domain.OrderStatusSubmitted,
	}
}

func TestOrderStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()

	order := sampleOrder("order-1")
	if err := store.Put(ctx, order); err != nil {
		t.Fatalf("put: %v", err)
	}
	order.Items[0] = "mutated"

	got, err := store.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Items[0] != "book" {
		t.Fatalf("store must keep its own copy, got %v", got.Items)
	}

	if err := store.Put(ctx, got.WithStatus(domain.OrderStatusProcessed)); err != nil {
		t.Fatalf("put status: %v", err)
	}
	got, _ = store.Get(ctx, "order-1")
	if got.Status != domain.OrderStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.Status)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 order, got %d", store.Len())
	}
}

func TestOrderStoreGetMissing(t *testing.T) {
	_, err := NewOrderStore().Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestReceiptStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewReceiptStore()
	key := domain.ReceiptKey("order-1")

	for _, body := range []string{`{"v":1}`, `{"v":2}`} {
		err := store.Put(ctx, domain.ReceiptArtifact{Key: key, OrderID: "order-1", ContentType: "application/json", Content: []byte(body)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != `{"v":2}` {
		t.Fatalf("expected last write to win, got %s", got.Content)
	}
	if len(store.Keys()) != 1 {
		t.Fatalf("expected single key, got %v", store.Keys())
	}
	if _, err := store.Get(ctx, "receipts/missing.json"); !errors.Is(err, domain.ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestExecutionStoreRejectsSecondActiveExecution(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	now := time.Now()

	first := domain.NewExecution("order-1", now)
	if err := store.Begin(ctx, &first, now.Add(-time.Minute)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	second := domain.NewExecution("order-1", now)
	if err := store.Begin(ctx, &second, now.Add(-time.Minute)); !errors.Is(err, domain.ErrExecutionActive) {
		t.Fatalf("expected ErrExecutionActive, got %v", err)
	}

	first.Fail(domain.StepReceipt, domain.ReasonReceipt, errors.New("down"), now)
	if err := store.Archive(ctx, first); err != nil {
		t.Fatalf("archive: %v", err)
	}

	third := domain.NewExecution("order-1", now)
	if err := store.Begin(ctx, &third, now.Add(-time.Minute)); err != nil {
		t.Fatalf("begin after archive: %v", err)
	}
	if third.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", third.Attempt)
	}
}

func TestExecutionStoreTakesOverStaleExecution(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	started := time.Now().Add(-time.Hour)

	stale := domain.NewExecution("order-1", started)
	if err := store.Begin(ctx, &stale, started.Add(-time.Minute)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	fresh := domain.NewExecution("order-1", time.Now())
	if err := store.Begin(ctx, &fresh, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("expected stale execution to be taken over, got %v", err)
	}

	got, err := store.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempt != 2 || got.Outcome != domain.OutcomeRunning {
		t.Fatalf("unexpected execution %+v", got)
	}
}
