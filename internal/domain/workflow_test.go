package domain

import (
	"errors"
	"testing"
	"time"
)

func TestResultDocumentIsAppendOnly(t *testing.T) {
	doc := ResultDocument{}

	if err := doc.Merge(OutputValidation, ValidationResult{Valid: true}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	err := doc.Merge(OutputValidation, ValidationResult{Valid: false})
	if !errors.Is(err, ErrOutputExists) {
		t.Fatalf("expected ErrOutputExists, got %v", err)
	}

	var got ValidationResult
	if err := doc.Decode(OutputValidation, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Valid {
		t.Fatal("first recorded output must survive")
	}
}

func TestResultDocumentCloneIsIndependent(t *testing.T) {
	doc := ResultDocument{}
	_ = doc.Merge(OutputPayment, PaymentOutcome{Status: PaymentStatusApproved})

	clone := doc.Clone()
	_ = clone.Merge(OutputReceipt, ReceiptRef{Key: "k"})

	if doc.Has(OutputReceipt) {
		t.Fatal("clone merge leaked into original")
	}
	if keys := clone.Keys(); len(keys) != 2 || keys[0] != OutputPayment {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestExecutionOrderStatus(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		reason FailureReason
		want   OrderStatus
		redo   bool
	}{
		{name: "validation", reason: ReasonValidation, want: OrderStatusFailed},
		{name: "payment", reason: ReasonPayment, want: OrderStatusFailed},
		{name: "receipt", reason: ReasonReceipt, want: OrderStatusFailed, redo: true},
		{name: "timeout", reason: ReasonTimeout, want: OrderStatusFailed, redo: true},
		{name: "notify", reason: ReasonNotify, want: OrderStatusProcessed},
		{name: "internal", reason: ReasonInternal, want: OrderStatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecution("order-1", now)
			exec.Fail(StepValidate, tc.reason, errors.New("boom"), now)

			if got := exec.OrderStatus(); got != tc.want {
				t.Fatalf("OrderStatus() = %s, want %s", got, tc.want)
			}
			if got := exec.Redeliverable(); got != tc.redo {
				t.Fatalf("Redeliverable() = %v, want %v", got, tc.redo)
			}
		})
	}

	exec := NewExecution("order-2", now)
	exec.Advance(StepComplete, StateComplete, now)
	if exec.OrderStatus() != OrderStatusProcessed || exec.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected complete execution %+v", exec)
	}
}

func TestExecutionFailTimeoutOutcome(t *testing.T) {
	exec := NewExecution("order-1", time.Now())
	exec.Fail(StepPayment, ReasonTimeout, ErrTimeout, time.Now())

	if exec.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out outcome, got %s", exec.Outcome)
	}
	if len(exec.History) != 1 || exec.History[0].To != StateFailed {
		t.Fatalf("unexpected history %+v", exec.History)
	}
}
