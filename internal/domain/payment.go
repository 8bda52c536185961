package domain

// PaymentStatus описывает результат списания у платёжного провайдера.
type PaymentStatus string

const (
	// PaymentStatusApproved: провайдер подтвердил списание.
	PaymentStatusApproved PaymentStatus = "approved"
	// PaymentStatusDeclined: провайдер отклонил списание.
	PaymentStatusDeclined PaymentStatus = "declined"
)

// PaymentOutcome: результат шага оплаты, попадает в документ результатов.
type PaymentOutcome struct {
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId,omitempty"`
	Amount        string        `json:"amount"`
	Reason        string        `json:"reason,omitempty"`
}

// Approved сообщает, подтверждён ли платёж.
func (p PaymentOutcome) Approved() bool {
	return p.Status == PaymentStatusApproved
}
