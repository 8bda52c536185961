package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает внешне видимый статус заказа.
type OrderStatus string

const (
	// OrderStatusSubmitted: заказ принят и ожидает обработки воркфлоу.
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	// OrderStatusProcessed: воркфлоу дошёл до оплаты, чека и уведомления.
	OrderStatusProcessed OrderStatus = "PROCESSED"
	// OrderStatusFailed: воркфлоу завершился ошибкой до выпуска чека.
	OrderStatusFailed OrderStatus = "FAILED"
)

// Order агрегирует данные заказа. ID и CreatedAt неизменяемы, меняется только Status.
type Order struct {
	ID           string
	CustomerName string
	Items        []string
	Total        decimal.Decimal
	CreatedAt    time.Time
	Status       OrderStatus
}

// Clone возвращает копию заказа с независимым срезом позиций.
func (o Order) Clone() Order {
	clone := o
	if o.Items != nil {
		clone.Items = append([]string(nil), o.Items...)
	}
	return clone
}

// WithStatus возвращает копию заказа с новым статусом.
func (o Order) WithStatus(status OrderStatus) Order {
	clone := o.Clone()
	clone.Status = status
	return clone
}

// TotalScale: число знаков после запятой в сумме заказа, совпадает с NUMERIC(18, 2).
const TotalScale = 2

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.ID) == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(o.CustomerName) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if strings.TrimSpace(item) == "" {
			errs = append(errs, ErrItemBlank)
			break
		}
	}
	if o.Total.IsNegative() {
		errs = append(errs, ErrTotalNegative)
	}
	if !o.Total.Equal(o.Total.Truncate(TotalScale)) {
		errs = append(errs, ErrTotalPrecision)
	}

	return errs
}
