package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const receiptContentType = "application/json"

// receiptDocument: содержимое чека.
type receiptDocument struct {
	OrderID       string    `json:"orderId"`
	CustomerName  string    `json:"customerName"`
	Items         []string  `json:"items"`
	Total         string    `json:"total"`
	TransactionID string    `json:"transactionId"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// validate проверяет инварианты заказа и лимит позиций из конфигурации.
func (e *Engine) validate(_ context.Context, in stepInput) (any, error) {
	maxItems, err := e.deps.Params.Int(domain.ParamMaxItemsPerOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrValidation, domain.ParamMaxItemsPerOrder, err)
	}

	result := domain.ValidationResult{Valid: true, MaxItems: maxItems}
	for _, invariantErr := range in.order.ValidateInvariants() {
		result.Reasons = append(result.Reasons, invariantErr.Error())
	}
	if len(in.order.Items) > maxItems {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%s: %d > %d", domain.ErrTooManyItems, len(in.order.Items), maxItems))
	}

	if len(result.Reasons) > 0 {
		result.Valid = false
		return result, fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(result.Reasons, "; "))
	}
	return result, nil
}

// processPayment списывает сумму заказа. Отказ и ошибка провайдера не повторяются.
// Одобренный платёж прошлого запуска на ту же сумму переиспользуется без обращения к провайдеру.
func (e *Engine) processPayment(ctx context.Context, in stepInput) (any, error) {
	var validation domain.ValidationResult
	if err := in.outputs.Decode(domain.OutputValidation, &validation); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPayment, err)
	}
	if !validation.Valid {
		return nil, fmt.Errorf("%w: order was not validated", domain.ErrPayment)
	}

	if prev := in.prevPayment; prev != nil && prev.Amount == in.order.Total.StringFixed(2) {
		in.logger.WithField("transaction_id", prev.TransactionID).Info("reusing approved payment from previous attempt")
		return *prev, nil
	}

	outcome, err := e.deps.Payments.Charge(ctx, in.order.ID, in.order.Total)
	if err != nil {
		return nil, fmt.Errorf("%w: charge: %v", domain.ErrPayment, err)
	}
	if !outcome.Approved() {
		return outcome, fmt.Errorf("%w: declined: %s", domain.ErrPayment, outcome.Reason)
	}
	return outcome, nil
}

// generateReceipt сохраняет чек по детерминированному ключу, повтор перезаписывает тот же ключ.
func (e *Engine) generateReceipt(ctx context.Context, in stepInput) (any, error) {
	var payment domain.PaymentOutcome
	if err := in.outputs.Decode(domain.OutputPayment, &payment); err != nil {
		return nil, err
	}

	content, err := json.Marshal(receiptDocument{
		OrderID:       in.order.ID,
		CustomerName:  in.order.CustomerName,
		Items:         in.order.Items,
		Total:         in.order.Total.StringFixed(2),
		TransactionID: payment.TransactionID,
		IssuedAt:      e.opts.Clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}

	receipt := domain.ReceiptArtifact{
		Key:         domain.ReceiptKey(in.order.ID),
		OrderID:     in.order.ID,
		ContentType: receiptContentType,
		Content:     content,
	}
	err = e.retry.Do(ctx, domain.StepReceipt, in.order.ID, func(ctx context.Context) error {
		return e.deps.Receipts.Put(ctx, receipt)
	})
	if err != nil {
		return nil, fmt.Errorf("store receipt %s: %w", receipt.Key, err)
	}

	return domain.ReceiptRef{Key: receipt.Key, ContentType: receipt.ContentType, Size: len(content)}, nil
}

// notifyCustomer публикует уведомление о результате. Ключ API читается из секретов и не логируется.
func (e *Engine) notifyCustomer(ctx context.Context, in stepInput) (any, error) {
	var receipt domain.ReceiptRef
	if err := in.outputs.Decode(domain.OutputReceipt, &receipt); err != nil {
		return nil, err
	}

	apiKey, err := e.deps.Secrets.Secret(domain.SecretNotificationAPIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotification, err)
	}

	event := domain.NotificationEvent{
		OrderID: in.order.ID,
		Status:  domain.OrderStatusProcessed,
		Payload: map[string]any{
			"customerName": in.order.CustomerName,
			"total":        in.order.Total.StringFixed(2),
			"receiptKey":   receipt.Key,
		},
		APIKey: apiKey,
	}

	var messageID string
	err = e.retry.Do(ctx, domain.StepNotify, in.order.ID, func(ctx context.Context) error {
		id, publishErr := e.deps.Notifications.Publish(ctx, event)
		if publishErr != nil {
			if !errors.Is(publishErr, domain.ErrNotification) {
				publishErr = fmt.Errorf("%w: %v", domain.ErrNotification, publishErr)
			}
			return publishErr
		}
		messageID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish notification: %w", err)
	}

	return domain.NotificationAck{MessageID: messageID, PublishedAt: e.opts.Clock().UTC()}, nil
}

// complete собирает итог запуска из накопленных результатов.
func (e *Engine) complete(_ context.Context, in stepInput) (any, error) {
	var (
		receipt domain.ReceiptRef
		ack     domain.NotificationAck
	)
	if err := in.outputs.Decode(domain.OutputReceipt, &receipt); err != nil {
		return nil, err
	}
	if err := in.outputs.Decode(domain.OutputNotification, &ack); err != nil {
		return nil, err
	}

	return domain.CompletionSummary{
		OrderID:     in.order.ID,
		Status:      domain.OrderStatusProcessed,
		ReceiptKey:  receipt.Key,
		MessageID:   ack.MessageID,
		CompletedAt: e.opts.Clock().UTC(),
	}, nil
}
