package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ключи внешней конфигурации и секретов.
const (
	ParamMaxItemsPerOrder    = "max-items-per-order"
	SecretNotificationAPIKey = "notification-api-key"
)

// OrderStore хранит заказы по идентификатору.
type OrderStore interface {
	// Put создаёт или заменяет запись заказа.
	Put(ctx context.Context, order Order) error
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
}

// WorkQueue принимает события о новых заказах с семантикой at-least-once.
type WorkQueue interface {
	Enqueue(ctx context.Context, event SubmissionEvent) error
}

// ReceiptStore хранит артефакты чеков по ключу.
type ReceiptStore interface {
	// Put перезаписывает чек по тому же ключу, повтор идемпотентен.
	Put(ctx context.Context, receipt ReceiptArtifact) error
	Get(ctx context.Context, key string) (ReceiptArtifact, error)
}

// NotificationChannel публикует уведомления и возвращает идентификатор сообщения.
type NotificationChannel interface {
	Publish(ctx context.Context, event NotificationEvent) (string, error)
}

// ConfigSource отдаёт операционные параметры.
type ConfigSource interface {
	Int(key string) (int, error)
}

// SecretSource отдаёт секреты только на чтение.
type SecretSource interface {
	Secret(key string) (string, error)
}

// PaymentService описывает взаимодействие с платёжным провайдером.
type PaymentService interface {
	// Charge списывает сумму заказа.
	Charge(ctx context.Context, orderID string, total decimal.Decimal) (PaymentOutcome, error)
}

// ExecutionStore хранит запуски воркфлоу и не даёт запустить второй параллельно.
type ExecutionStore interface {
	// Begin регистрирует запуск или возвращает ErrExecutionActive.
	// Активный запуск, начатый раньше staleBefore, считается брошенным и перехватывается.
	Begin(ctx context.Context, execution *Execution, staleBefore time.Time) error
	// Archive сохраняет завершённый запуск.
	Archive(ctx context.Context, execution Execution) error
	Get(ctx context.Context, id string) (Execution, error)
}
