package domain

import (
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/google/uuid"
)

type Stock struct {
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OnHand is available + reserved, the quantity conserved by reserve and
// release.
func (s Stock) OnHand() int {
	return s.Available + s.Reserved
}

type Reservation struct {
	ID            string                  `json:"id"`
	OrderID       string                  `json:"order_id"`
	CorrelationID string                  `json:"correlation_id"`
	Status        types.ReservationStatus `json:"status"`
	Items         []types.StockItem       `json:"items"`
	CreatedAt     time.Time               `json:"created_at"`
	ExpiresAt     time.Time               `json:"expires_at"`
	CommittedAt   *time.Time              `json:"committed_at,omitempty"`
	ReleasedAt    *time.Time              `json:"released_at,omitempty"`
	ReleaseReason string                  `json:"release_reason,omitempty"`
}

func NewReservation(orderID, correlationID string, items []types.StockItem, ttl time.Duration, now time.Time) *Reservation {
	return &Reservation{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		CorrelationID: correlationID,
		Status:        types.ReservationStatusReserved,
		Items:         items,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

func (r *Reservation) IsActive() bool {
	return r.Status == types.ReservationStatusReserved
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return r.IsActive() && now.After(r.ExpiresAt)
}

func (r *Reservation) Commit(now time.Time) error {
	if err := r.leave(types.ReservationStatusCommitted); err != nil {
		return err
	}
	r.CommittedAt = &now
	return nil
}

func (r *Reservation) Release(reason string, now time.Time) error {
	if err := r.leave(types.ReservationStatusReleased); err != nil {
		return err
	}
	r.ReleasedAt = &now
	r.ReleaseReason = reason
	return nil
}

func (r *Reservation) Expire(now time.Time) error {
	if err := r.leave(types.ReservationStatusExpired); err != nil {
		return err
	}
	r.ReleasedAt = &now
	r.ReleaseReason = "reservation expired"
	return nil
}

// Only RESERVED has outgoing transitions.
func (r *Reservation) leave(to types.ReservationStatus) error {
	if r.Status != types.ReservationStatusReserved {
		return apperr.Business(apperr.CodeInvalidTransition,
			fmt.Sprintf("reservation %s is %s, cannot move to %s", r.ID, r.Status, to),
			"reservation_id", r.ID, "order_id", r.OrderID)
	}
	r.Status = to
	return nil
}

// ValidateItems rejects empty requests and non-positive quantities.
func ValidateItems(items []types.StockItem) error {
	if len(items) == 0 {
		return apperr.Business(apperr.CodeInvalidQuantity, "no items to reserve")
	}
	for _, item := range items {
		if item.ProductID == "" {
			return apperr.Business(apperr.CodeUnknownProduct, "item without product id")
		}
		if item.Quantity <= 0 {
			return apperr.Business(apperr.CodeInvalidQuantity,
				fmt.Sprintf("quantity %d for product %s", item.Quantity, item.ProductID),
				"product_id", item.ProductID)
		}
	}
	return nil
}

// Shortfalls checks every line against stock. It returns nil when the whole
// request fits; otherwise it lists each line that does not. Products with no
// stock row count as zero available.
func Shortfalls(stock map[string]Stock, items []types.StockItem) []types.Shortfall {
	var out []types.Shortfall
	for _, item := range items {
		available := stock[item.ProductID].Available
		if available < item.Quantity {
			out = append(out, types.Shortfall{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			})
		}
	}
	return out
}

// ShortfallCode distinguishes missing products from plain low stock.
func ShortfallCode(stock map[string]Stock, shortfalls []types.Shortfall) string {
	for _, s := range shortfalls {
		if _, ok := stock[s.ProductID]; !ok {
			return apperr.CodeUnknownProduct
		}
	}
	return apperr.CodeInsufficientStock
}
