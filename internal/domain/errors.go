package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// Ошибка отсутствующего имени клиента.
	ErrCustomerRequired = errors.New("customer name is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка пустой позиции.
	ErrItemBlank = errors.New("order item must not be blank")
	// Ошибка отрицательной суммы заказа.
	ErrTotalNegative = errors.New("order total must be non-negative")
	// Ошибка суммы с точностью больше копеек.
	ErrTotalPrecision = errors.New("order total must have at most 2 decimal places")
	// ErrTooManyItems: позиций больше, чем разрешает параметр max-items-per-order.
	ErrTooManyItems = errors.New("order exceeds max items per order")

	// ErrInvalidOrder возвращается при отклонении заказа на приёме.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrReceiptNotFound возвращается, если чек не найден по ключу.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrExecutionNotFound возвращается, если запуск воркфлоу не найден.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionActive: для заказа уже выполняется другой запуск воркфлоу.
	ErrExecutionActive = errors.New("workflow execution already active")
	// ErrOutputExists: попытка перезаписать уже записанный результат шага.
	ErrOutputExists = errors.New("step output already recorded")
	// ErrConfigKeyMissing: параметр не найден в источнике конфигурации.
	ErrConfigKeyMissing = errors.New("config key missing")
	// ErrSecretMissing: секрет не найден или пуст.
	ErrSecretMissing = errors.New("secret missing")

	// ErrValidation: заказ не прошёл проверку, повтор бессмысленен.
	ErrValidation = errors.New("validation failed")
	// ErrPayment: платёж отклонён или провайдер вернул ошибку.
	ErrPayment = errors.New("payment failed")
	// ErrStorage: временная ошибка хранилища, можно повторить.
	ErrStorage = errors.New("storage unavailable")
	// ErrNotification: временная ошибка канала уведомлений, можно повторить.
	ErrNotification = errors.New("notification unavailable")
	// ErrTimeout: запуск воркфлоу превысил выделенное время.
	ErrTimeout = errors.New("workflow timed out")
)

// StepError связывает ошибку с шагом воркфлоу и причиной провала.
type StepError struct {
	Step   StepName
	Reason FailureReason
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Reason, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsRetryable сообщает, стоит ли повторять вызов адаптера.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrNotification)
}

// IsNotFound проверяет, является ли ошибка отсутствием записи.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrExecutionNotFound)
}
