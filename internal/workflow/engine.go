package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

const (
	// DefaultExecutionTimeout ограничивает один запуск воркфлоу.
	DefaultExecutionTimeout = 5 * time.Minute
	defaultFinalizeTimeout  = 10 * time.Second
	tracerName              = "orderflow/workflow"
)

// Dependencies: внешние порты воркфлоу.
type Dependencies struct {
	Orders        domain.OrderStore
	Receipts      domain.ReceiptStore
	Notifications domain.NotificationChannel
	Payments      domain.PaymentService
	Params        domain.ConfigSource
	Secrets       domain.SecretSource
	Executions    domain.ExecutionStore
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Orders == nil {
		missing = append(missing, "orders")
	}
	if d.Receipts == nil {
		missing = append(missing, "receipts")
	}
	if d.Notifications == nil {
		missing = append(missing, "notifications")
	}
	if d.Payments == nil {
		missing = append(missing, "payments")
	}
	if d.Params == nil {
		missing = append(missing, "params")
	}
	if d.Secrets == nil {
		missing = append(missing, "secrets")
	}
	if d.Executions == nil {
		missing = append(missing, "executions")
	}
	if len(missing) > 0 {
		return fmt.Errorf("workflow dependencies missing: %v", missing)
	}
	return nil
}

// Options: параметры движка.
type Options struct {
	Timeout         time.Duration
	FinalizeTimeout time.Duration
	Retry           RetryConfig
	Logger          *log.Entry
	Metrics         *metrics.WorkflowMetrics
	Tracer          trace.Tracer
	Clock           func() time.Time
}

// Option изменяет Options.
type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.Timeout = timeout }
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *Options) { o.Retry = cfg }
}

func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Options) { o.Tracer = tracer }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// transition: строка таблицы автомата: шаг, ключ результата, следующее состояние и причина провала.
type transition struct {
	step    domain.StepName
	output  string
	run     stepFunc
	next    domain.WorkflowState
	failure domain.FailureReason
}

// stepInput: снимок, который получает шаг. Документ результатов передаётся копией.
type stepInput struct {
	order   domain.Order
	outputs domain.ResultDocument
	logger  *log.Entry
	// prevPayment: одобренный платёж из предыдущего архивного запуска этого заказа.
	prevPayment *domain.PaymentOutcome
}

type stepFunc func(ctx context.Context, in stepInput) (any, error)

// Engine: табличный конечный автомат обработки заказа:
// Submitted → Validated → PaymentProcessed → ReceiptGenerated → Notified → Complete,
// из любого нетерминального состояния возможен переход в Failed.
type Engine struct {
	deps        Dependencies
	opts        Options
	transitions map[domain.WorkflowState]transition
	retry       *retrier
}

// NewEngine создаёт движок воркфлоу.
func NewEngine(deps Dependencies, options ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	opts := Options{
		Timeout:         DefaultExecutionTimeout,
		FinalizeTimeout: defaultFinalizeTimeout,
		Retry:           DefaultRetryConfig(),
		Clock:           time.Now,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "workflow")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecutionTimeout
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}

	e := &Engine{
		deps:  deps,
		opts:  opts,
		retry: newRetrier(opts.Retry, opts.Logger, opts.Metrics),
	}
	e.transitions = map[domain.WorkflowState]transition{
		domain.StateSubmitted: {
			step: domain.StepValidate, output: domain.OutputValidation, run: e.validate,
			next: domain.StateValidated, failure: domain.ReasonValidation,
		},
		domain.StateValidated: {
			step: domain.StepPayment, output: domain.OutputPayment, run: e.processPayment,
			next: domain.StatePaymentProcessed, failure: domain.ReasonPayment,
		},
		domain.StatePaymentProcessed: {
			step: domain.StepReceipt, output: domain.OutputReceipt, run: e.generateReceipt,
			next: domain.StateReceiptGenerated, failure: domain.ReasonReceipt,
		},
		domain.StateReceiptGenerated: {
			step: domain.StepNotify, output: domain.OutputNotification, run: e.notifyCustomer,
			next: domain.StateNotified, failure: domain.ReasonNotify,
		},
		domain.StateNotified: {
			step: domain.StepComplete, output: domain.OutputSummary, run: e.complete,
			next: domain.StateComplete,
		},
	}
	return e, nil
}

// Run выполняет воркфлоу для заказа до терминального состояния или истечения таймаута.
// Ошибка возвращается, только если запуск не удалось начать или итог не удалось сохранить;
// провалы шагов отражаются в Execution.
func (e *Engine) Run(ctx context.Context, order domain.Order) (domain.Execution, error) {
	started := e.opts.Clock()
	execution := domain.NewExecution(order.ID, started)
	logger := e.opts.Logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"execution_id": execution.ID,
	})

	prevPayment, err := e.previousPayment(ctx, order.ID)
	if err != nil {
		return execution, fmt.Errorf("load previous execution: %w", err)
	}

	staleBefore := started.Add(-2 * e.opts.Timeout)
	if err := e.deps.Executions.Begin(ctx, &execution, staleBefore); err != nil {
		if errors.Is(err, domain.ErrExecutionActive) {
			logger.Info("workflow execution already active, skipping")
		}
		return execution, fmt.Errorf("begin execution: %w", err)
	}
	logger = logger.WithField("attempt", execution.Attempt)
	e.opts.Metrics.RecordExecutionStarted()
	logger.Info("workflow execution started")

	ctx, span := e.opts.Tracer.Start(ctx, "workflow.execution", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int("execution.attempt", execution.Attempt),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	for !execution.State.Terminal() {
		t, ok := e.transitions[execution.State]
		if !ok {
			err := fmt.Errorf("no transition from state %s", execution.State)
			execution.Fail("", domain.ReasonInternal, err, e.opts.Clock())
			logger.WithError(err).Error("workflow transition table is incomplete")
			break
		}

		output, err := e.runStep(runCtx, t, stepInput{
			order:       order.Clone(),
			outputs:     execution.Outputs.Clone(),
			logger:      logger.WithField("step", t.step),
			prevPayment: prevPayment,
		})
		if output != nil {
			if mergeErr := execution.Outputs.Merge(t.output, output); mergeErr != nil {
				logger.WithError(mergeErr).Warn("step output not recorded")
			}
		}
		if err != nil {
			reason := t.failure
			if errors.Is(err, domain.ErrTimeout) {
				reason = domain.ReasonTimeout
			}
			stepErr := &domain.StepError{Step: t.step, Reason: reason, Err: err}
			execution.Fail(t.step, reason, stepErr, e.opts.Clock())
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, string(reason))
			logger.WithError(err).WithFields(log.Fields{
				"step":   t.step,
				"reason": reason,
			}).Warn("workflow step failed")
			break
		}
		execution.Advance(t.step, t.next, e.opts.Clock())
	}

	finishErr := e.finish(ctx, order, &execution, logger)

	e.opts.Metrics.RecordExecutionFinished(string(execution.FailureReason), e.opts.Clock().Sub(started))
	span.SetAttributes(
		attribute.String("execution.state", string(execution.State)),
		attribute.String("execution.outcome", string(execution.Outcome)),
	)
	logger.WithFields(log.Fields{
		"state":   execution.State,
		"outcome": execution.Outcome,
		"reason":  execution.FailureReason,
	}).Info("workflow execution finished")

	return execution, finishErr
}

// previousPayment читает одобренный платёж из последнего запуска заказа.
// Повторная доставка после провала чека не должна списывать деньги второй раз.
func (e *Engine) previousPayment(ctx context.Context, orderID string) (*domain.PaymentOutcome, error) {
	prev, err := e.deps.Executions.Get(ctx, orderID)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !prev.Outputs.Has(domain.OutputPayment) {
		return nil, nil
	}
	var outcome domain.PaymentOutcome
	if err := prev.Outputs.Decode(domain.OutputPayment, &outcome); err != nil {
		return nil, err
	}
	if !outcome.Approved() {
		return nil, nil
	}
	return &outcome, nil
}

// runStep выполняет шаг в отдельной горутине и ждёт либо результат, либо дедлайн запуска.
// По дедлайну запуск завершается сразу, даже если шаг ещё выполняется; поздний результат
// шага только логируется.
func (e *Engine) runStep(ctx context.Context, t transition, in stepInput) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: before step %s: %v", domain.ErrTimeout, t.step, err)
	}

	ctx, span := e.opts.Tracer.Start(ctx, "workflow.step."+string(t.step))
	defer span.End()
	start := e.opts.Clock()
	defer func() {
		e.opts.Metrics.RecordStepDuration(string(t.step), e.opts.Clock().Sub(start))
	}()

	done := make(chan stepResult, 1)
	go func() {
		output, err := t.run(ctx, in)
		done <- stepResult{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "timeout")
		go discardLateResult(done, in.logger)
		return nil, fmt.Errorf("%w: step %s: %v", domain.ErrTimeout, t.step, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				r.err = fmt.Errorf("%w: step %s: %v", domain.ErrTimeout, t.step, r.err)
			}
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r.output, r.err
	}
}

type stepResult struct {
	output any
	err    error
}

// discardLateResult дожидается шага, брошенного по таймауту. Запуск к этому моменту
// уже архивирован, результат в него не попадает.
func discardLateResult(done <-chan stepResult, logger *log.Entry) {
	r := <-done
	entry := logger
	if r.err != nil {
		entry = entry.WithError(r.err)
	}
	entry.Warn("step returned after execution timeout, result discarded")
}

// finish фиксирует статус заказа и архивирует запуск. Дедлайн запуска сюда не распространяется.
func (e *Engine) finish(ctx context.Context, order domain.Order, execution *domain.Execution, logger *log.Entry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FinalizeTimeout)
	defer cancel()

	var errs []error
	status := execution.OrderStatus()
	err := e.retry.Do(ctx, domain.StepComplete, order.ID, func(ctx context.Context) error {
		return e.deps.Orders.Put(ctx, order.WithStatus(status))
	})
	if err != nil {
		logger.WithError(err).WithField("status", status).Error("failed to persist final order status")
		errs = append(errs, fmt.Errorf("persist order status: %w", err))
	}

	err = e.retry.Do(ctx, domain.StepComplete, order.ID, func(ctx context.Context) error {
		return e.deps.Executions.Archive(ctx, *execution)
	})
	if err != nil {
		logger.WithError(err).Error("failed to archive workflow execution")
		errs = append(errs, fmt.Errorf("archive execution: %w", err))
	}
	return errors.Join(errs...)
}
