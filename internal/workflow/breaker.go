package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// CircuitState: состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкает цепь после maxFailures ошибок подряд и пропускает
// пробный вызов по истечении resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow решает, можно ли выполнить вызов.
func (cb *CircuitBreaker) allow(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		return true
	}
	return false
}

// record учитывает результат вызова.
func (cb *CircuitBreaker) record(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

// GuardedChannel защищает канал уведомлений circuit breaker'ом: при разомкнутой цепи
// публикация сразу завершается ErrNotification, не дожидаясь таймаута брокера.
type GuardedChannel struct {
	channel domain.NotificationChannel
	breaker *CircuitBreaker
}

var _ domain.NotificationChannel = (*GuardedChannel)(nil)

// NewGuardedChannel оборачивает канал уведомлений.
func NewGuardedChannel(channel domain.NotificationChannel, breaker *CircuitBreaker) *GuardedChannel {
	return &GuardedChannel{channel: channel, breaker: breaker}
}

// Publish публикует уведомление, если цепь не разомкнута.
func (g *GuardedChannel) Publish(ctx context.Context, event domain.NotificationEvent) (string, error) {
	const operation = "notification.publish"
	if !g.breaker.allow(operation) {
		return "", fmt.Errorf("%w: circuit breaker is open", domain.ErrNotification)
	}
	id, err := g.channel.Publish(ctx, event)
	// Отмена контекста не говорит о здоровье брокера.
	if ctx.Err() == nil {
		g.breaker.record(operation, err)
	}
	return id, err
}
