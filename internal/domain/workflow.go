package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WorkflowState: состояние конечного автомата обработки заказа.
type WorkflowState string

const (
	StateSubmitted        WorkflowState = "Submitted"
	StateValidated        WorkflowState = "Validated"
	StatePaymentProcessed WorkflowState = "PaymentProcessed"
	StateReceiptGenerated WorkflowState = "ReceiptGenerated"
	StateNotified         WorkflowState = "Notified"
	StateComplete         WorkflowState = "Complete"
	StateFailed           WorkflowState = "Failed"
)

// Terminal сообщает, что из состояния нет переходов.
func (s WorkflowState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// StepName задаёт константы шагов для метрик и логов.
type StepName string

const (
	StepValidate StepName = "validate"
	StepPayment  StepName = "payment"
	StepReceipt  StepName = "receipt"
	StepNotify   StepName = "notify"
	StepComplete StepName = "complete"
)

// FailureReason объясняет, почему запуск попал в Failed.
type FailureReason string

const (
	ReasonValidation FailureReason = "validation"
	ReasonPayment    FailureReason = "payment"
	ReasonReceipt    FailureReason = "receipt"
	ReasonNotify     FailureReason = "notify"
	ReasonTimeout    FailureReason = "timeout"
	// ReasonInternal: автомат оказался в состоянии без перехода.
	ReasonInternal FailureReason = "internal"
)

// Transient сообщает, что провал стоит повторить повторной доставкой события.
func (r FailureReason) Transient() bool {
	return r == ReasonTimeout || r == ReasonReceipt
}

// ExecutionOutcome: итог запуска воркфлоу.
type ExecutionOutcome string

const (
	OutcomeRunning   ExecutionOutcome = "running"
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeFailed    ExecutionOutcome = "failed"
	OutcomeTimedOut  ExecutionOutcome = "timed_out"
)

// Ключи документа результатов.
const (
	OutputValidation   = "validation"
	OutputPayment      = "payment"
	OutputReceipt      = "receipt"
	OutputNotification = "notification"
	OutputSummary      = "summary"
)

// ResultDocument накапливает результаты шагов. Записанный ключ не перезаписывается.
type ResultDocument map[string]json.RawMessage

// Merge добавляет результат шага под новым ключом.
func (d ResultDocument) Merge(key string, value any) error {
	if _, exists := d[key]; exists {
		return fmt.Errorf("%w: %s", ErrOutputExists, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s output: %w", key, err)
	}
	d[key] = raw
	return nil
}

// Decode читает результат шага в dst.
func (d ResultDocument) Decode(key string, dst any) error {
	raw, ok := d[key]
	if !ok {
		return fmt.Errorf("output %s not recorded", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s output: %w", key, err)
	}
	return nil
}

// Has проверяет наличие результата.
func (d ResultDocument) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Keys возвращает отсортированный список ключей.
func (d ResultDocument) Keys() []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone копирует документ вместе с содержимым.
func (d ResultDocument) Clone() ResultDocument {
	clone := make(ResultDocument, len(d))
	for key, raw := range d {
		clone[key] = append(json.RawMessage(nil), raw...)
	}
	return clone
}

// StateTransition фиксирует один переход автомата.
type StateTransition struct {
	From WorkflowState `json:"from"`
	To   WorkflowState `json:"to"`
	Step StepName      `json:"step"`
	At   time.Time     `json:"at"`
}

// Execution: один запуск воркфлоу для заказа. ID совпадает с ID заказа.
type Execution struct {
	ID            string
	OrderID       string
	Attempt       int
	State         WorkflowState
	Outcome       ExecutionOutcome
	FailureReason FailureReason
	Error         string
	Outputs       ResultDocument
	History       []StateTransition
	StartedAt     time.Time
	FinishedAt    time.Time
}

// NewExecution создаёт запуск в начальном состоянии Submitted.
func NewExecution(orderID string, startedAt time.Time) Execution {
	return Execution{
		ID:        orderID,
		OrderID:   orderID,
		Attempt:   1,
		State:     StateSubmitted,
		Outcome:   OutcomeRunning,
		Outputs:   ResultDocument{},
		StartedAt: startedAt,
	}
}

// Advance переводит запуск в следующее состояние после успешного шага.
func (e *Execution) Advance(step StepName, next WorkflowState, at time.Time) {
	e.History = append(e.History, StateTransition{From: e.State, To: next, Step: step, At: at})
	e.State = next
	if next == StateComplete {
		e.Outcome = OutcomeSucceeded
		e.FinishedAt = at
	}
}

// Fail переводит запуск в Failed с указанной причиной.
func (e *Execution) Fail(step StepName, reason FailureReason, err error, at time.Time) {
	e.History = append(e.History, StateTransition{From: e.State, To: StateFailed, Step: step, At: at})
	e.State = StateFailed
	e.FailureReason = reason
	e.Outcome = OutcomeFailed
	if reason == ReasonTimeout {
		e.Outcome = OutcomeTimedOut
	}
	if err != nil {
		e.Error = err.Error()
	}
	e.FinishedAt = at
}

// OrderStatus возвращает статус заказа, который фиксируется по итогам запуска.
// Провал уведомления не откатывает оплату и чек, поэтому заказ считается обработанным.
func (e Execution) OrderStatus() OrderStatus {
	switch {
	case e.State == StateComplete:
		return OrderStatusProcessed
	case e.State == StateFailed && e.FailureReason == ReasonNotify:
		return OrderStatusProcessed
	case e.State == StateFailed:
		return OrderStatusFailed
	default:
		return OrderStatusSubmitted
	}
}

// Redeliverable сообщает, что событие стоит вернуть в очередь.
func (e Execution) Redeliverable() bool {
	return e.State == StateFailed && e.FailureReason.Transient()
}

// Clone копирует запуск вместе с документом и историей.
func (e Execution) Clone() Execution {
	clone := e
	clone.Outputs = e.Outputs.Clone()
	clone.History = append([]StateTransition(nil), e.History...)
	return clone
}

// ValidationResult: результат шага проверки.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Reasons  []string `json:"reasons,omitempty"`
	MaxItems int      `json:"maxItems"`
}

// ReceiptRef: ссылка на сохранённый чек.
type ReceiptRef struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// NotificationAck: подтверждение публикации уведомления.
type NotificationAck struct {
	MessageID   string    `json:"messageId"`
	PublishedAt time.Time `json:"publishedAt"`
}

// CompletionSummary: итог успешного запуска.
type CompletionSummary struct {
	OrderID     string      `json:"orderId"`
	Status      OrderStatus `json:"status"`
	ReceiptKey  string      `json:"receiptKey"`
	MessageID   string      `json:"messageId"`
	CompletedAt time.Time   `json:"completedAt"`
}
