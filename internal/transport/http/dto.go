package httpapi

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type reserveRequest struct {
	ProductID    string     `json:"product_id"`
	CustomerID   string     `json:"customer_id"`
	Quantity     int64      `json:"quantity"`
	TTLSeconds   *int64     `json:"ttl_seconds,omitempty"`
	Kind         string     `json:"kind,omitempty"`
	Reference    string     `json:"reference,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	PlannedStart *time.Time `json:"planned_start,omitempty"`
	PlannedEnd   *time.Time `json:"planned_end,omitempty"`
}

func (r reserveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProductID, validation.Required),
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.TTLSeconds, validation.Min(int64(0))),
		validation.Field(&r.Kind, validation.In(
			string(domain.ReservationKindRental),
			string(domain.ReservationKindPurchase),
			string(domain.ReservationKindMaintenance),
		)),
	)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type extendRequest struct {
	Duration string `json:"duration"`
}

func (r extendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Duration, validation.Required),
	)
}

type stockRequest struct {
	Total *int64 `json:"total"`
}

func (r stockRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Total, validation.NotNil, validation.Min(int64(0))),
	)
}

type authorizationRequest struct {
	OrderID      string            `json:"order_id"`
	CustomerID   string            `json:"customer_id"`
	Currency     string            `json:"currency"`
	Items        []domain.LineItem `json:"items"`
	DiscountCode string            `json:"discount_code,omitempty"`
}

func (r authorizationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OrderID, validation.Required),
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&r.Items, validation.Required, validation.Each(validation.By(validateLineItem))),
	)
}

func validateLineItem(value any) error {
	item, _ := value.(domain.LineItem)
	return validation.ValidateStruct(&item,
		validation.Field(&item.ProductID, validation.Required),
		validation.Field(&item.Quantity, validation.Required, validation.Min(int64(1))),
		validation.Field(&item.PriceMinor, validation.Min(int64(0))),
	)
}

func (r authorizationRequest) checkout() domain.CheckoutRequest {
	return domain.CheckoutRequest{
		OrderID:      r.OrderID,
		CustomerID:   r.CustomerID,
		Currency:     r.Currency,
		Items:        r.Items,
		DiscountCode: r.DiscountCode,
	}
}

type reservationResponse struct {
	ID           string     `json:"id"`
	ProductID    string     `json:"product_id"`
	CustomerID   string     `json:"customer_id"`
	Reference    string     `json:"reference,omitempty"`
	Quantity     int64      `json:"quantity"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Notes        string     `json:"notes,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	PlannedStart *time.Time `json:"planned_start,omitempty"`
	PlannedEnd   *time.Time `json:"planned_end,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	Version      int64      `json:"version"`
}

func toReservationResponse(r domain.StockReservation) reservationResponse {
	return reservationResponse{
		ID:           r.ID,
		ProductID:    r.ProductID,
		CustomerID:   r.CustomerID,
		Reference:    r.Reference,
		Quantity:     r.Quantity,
		Kind:         string(r.Kind),
		Status:       string(r.Status),
		Notes:        r.Notes,
		CancelReason: r.CancelReason,
		PlannedStart: r.PlannedStart,
		PlannedEnd:   r.PlannedEnd,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		ConfirmedAt:  r.ConfirmedAt,
		CancelledAt:  r.CancelledAt,
		Version:      r.Version,
	}
}

type ledgerResponse struct {
	ProductID string    `json:"product_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	Total     int64     `json:"total"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toLedgerResponse(l domain.StockLedger) ledgerResponse {
	return ledgerResponse{
		ProductID: l.ProductID,
		Available: l.Available,
		Reserved:  l.Reserved,
		Total:     l.Total(),
		Version:   l.Version,
		UpdatedAt: l.UpdatedAt,
	}
}

type timelineResponse struct {
	Seq      int64     `json:"seq"`
	Kind     string    `json:"kind"`
	Step     string    `json:"step,omitempty"`
	Status   string    `json:"status,omitempty"`
	Version  int64     `json:"version"`
	Reason   string    `json:"reason,omitempty"`
	TimedOut bool      `json:"timed_out,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type sagaResponse struct {
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	BusinessID       string             `json:"business_id"`
	Status           string             `json:"status"`
	CurrentStep      string             `json:"current_step,omitempty"`
	CompletedSteps   []domain.SagaStep  `json:"completed_steps"`
	CompensatedSteps []domain.SagaStep  `json:"compensated_steps"`
	LastError        string             `json:"last_error,omitempty"`
	Stuck            bool               `json:"stuck"`
	Outputs          map[string]string  `json:"outputs,omitempty"`
	Version          int64              `json:"version"`
	StartedAt        time.Time          `json:"started_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	Timeline         []timelineResponse `json:"timeline,omitempty"`
}

func toSagaResponse(s domain.SagaState, timeline []domain.TimelineEvent) sagaResponse {
	resp := sagaResponse{
		ID:               s.ID,
		Type:             string(s.Type),
		BusinessID:       s.BusinessID,
		Status:           string(s.Status),
		CurrentStep:      string(s.CurrentStep),
		CompletedSteps:   append([]domain.SagaStep{}, s.CompletedSteps...),
		CompensatedSteps: append([]domain.SagaStep{}, s.CompensatedSteps...),
		LastError:        s.LastError,
		Stuck:            s.Stuck,
		Outputs:          s.Outputs,
		Version:          s.Version,
		StartedAt:        s.StartedAt,
		UpdatedAt:        s.UpdatedAt,
		CompletedAt:      s.CompletedAt,
	}
	for _, ev := range timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Seq:      ev.Seq,
			Kind:     ev.Kind,
			Step:     string(ev.Step),
			Status:   string(ev.Status),
			Version:  ev.Version,
			Reason:   ev.Reason,
			TimedOut: ev.TimedOut,
			Occurred: ev.Occurred,
		})
	}
	return resp
}
