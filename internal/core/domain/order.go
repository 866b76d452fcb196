package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
)

type OrderStatus string

// Orders are written as completed; later transitions belong to the admin console.
const OrderStatusCompleted OrderStatus = "completed"

type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Payloads  []string
}

type Order struct {
	ID         string
	CustomerID string
	Lines      []OrderLine
	Total      decimal.Decimal
	Method     PaymentMethod
	ProofRef   string
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (o Order) Clone() Order {
	out := o
	out.Lines = make([]OrderLine, len(o.Lines))
	for i, line := range o.Lines {
		line.Payloads = append([]string(nil), line.Payloads...)
		out.Lines[i] = line
	}
	return out
}
