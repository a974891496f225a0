package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Block partitions stock and reservations by pickup location.
type Block string

const (
	BlockA Block = "A Block"
	BlockB Block = "B Block"
	BlockC Block = "C Block"
)

var Blocks = []Block{BlockA, BlockB, BlockC}

// LowStockThreshold is the quantity under which an item is flagged as low.
const LowStockThreshold = 5

func (b Block) Valid() bool {
	switch b {
	case BlockA, BlockB, BlockC:
		return true
	}
	return false
}

func ParseBlock(s string) (Block, error) {
	b := Block(s)
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q is not a valid block", ErrValidation, s)
	}
	return b, nil
}

type StockItem struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Block     Block
	Date      time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s StockItem) IsLowStock() bool {
	return s.Quantity < LowStockThreshold
}

// Validate checks the invariants an operator-created item must satisfy.
func (s *StockItem) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: item name is required", ErrValidation)
	}
	if s.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: price cannot be negative", ErrValidation)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", ErrValidation)
	}
	if !s.Block.Valid() {
		return fmt.Errorf("%w: %q is not a valid block", ErrValidation, s.Block)
	}
	return nil
}

// Day truncates t to the start of its calendar day in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a falls on the calendar day of b, in b's location.
func SameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
