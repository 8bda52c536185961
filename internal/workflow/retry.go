package workflow

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

// RetryConfig конфигурация повторов вызовов адаптеров.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// normalized подставляет значения по умолчанию вместо некорректных.
func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// retrier повторяет временные ошибки хранилища и канала уведомлений с экспоненциальной задержкой.
// Ошибки валидации и оплаты не повторяются.
type retrier struct {
	config  RetryConfig
	logger  *log.Entry
	metrics *metrics.WorkflowMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRetrier(config RetryConfig, logger *log.Entry, m *metrics.WorkflowMetrics) *retrier {
	return &retrier{
		config:  config.normalized(),
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
	}
}

// Do вызывает fn до MaxAttempts раз, пока ошибка остаётся временной.
func (r *retrier) Do(ctx context.Context, step domain.StepName, orderID string, fn func(ctx context.Context) error) error {
	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"step":     step,
					"order_id": orderID,
					"attempt":  attempt,
				}).Info("adapter call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !domain.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		r.logger.WithFields(log.Fields{
			"step":     step,
			"order_id": orderID,
			"attempt":  attempt,
			"delay":    delay,
			"error":    err,
		}).Warn("adapter call failed, retrying")
		r.metrics.RecordStepRetry(string(step))

		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	r.logger.WithFields(log.Fields{
		"step":         step,
		"order_id":     orderID,
		"max_attempts": r.config.MaxAttempts,
		"error":        lastErr,
	}).Error("adapter call failed after all retry attempts")
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
