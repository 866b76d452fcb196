package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// StockLine is one product/quantity pair to take from the inventory.
type StockLine struct {
	ProductID string
	Quantity  int
}

// Consumption holds the payloads removed for one StockLine.
type Consumption struct {
	ProductID string
	Payloads  []string
}

type Shortfall struct {
	ProductID string
	Requested int
	Available int
}

// ShortfallError reports every line that could not be satisfied.
type ShortfallError struct {
	Shortfalls []Shortfall
}

func (e *ShortfallError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *ShortfallError) Unwrap() error {
	return ErrInsufficientStock
}

// MergeLines folds duplicate product ids together, keeping first-seen order.
func MergeLines(lines []StockLine) []StockLine {
	index := make(map[string]int, len(lines))
	merged := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func ValidateLines(lines []StockLine) error {
	for _, line := range lines {
		if line.ProductID == "" {
			return fmt.Errorf("%w: empty product id", ErrInvalidQuantity)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: %s has quantity %d", ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
	}
	return nil
}
