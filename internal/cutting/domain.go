package cutting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

// Policy decides which candidate packing wins when pipe count and scrap disagree.
type Policy string

const (
	// PolicyPipesFirst minimises pipe count, then scrap.
	PolicyPipesFirst Policy = "pipes-first"
	// PolicyScrapFirst minimises scrap, then pipe count.
	PolicyScrapFirst Policy = "scrap-first"
)

// ParsePolicy maps configuration strings to a Policy. Empty means PolicyPipesFirst.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyPipesFirst:
		return PolicyPipesFirst, nil
	case PolicyScrapFirst:
		return PolicyScrapFirst, nil
	default:
		return "", fmt.Errorf("cutting: unknown policy %q", s)
	}
}

// Stock is one purchasable stock length and how many whole pieces are on hand.
type Stock struct {
	Length fixed.Decimal `json:"length"`
	Pieces int           `json:"pieces"`
}

// Options tunes the optimizer.
type Options struct {
	Policy Policy
	// Kerf is the saw loss between two adjacent cuts on the same pipe.
	Kerf fixed.Decimal
}

// Pipe is one stock pipe with the cuts assigned to it.
type Pipe struct {
	StockLength fixed.Decimal   `json:"stock_length"`
	Cuts        []fixed.Decimal `json:"cuts"`
	Scrap       fixed.Decimal   `json:"scrap"`
}

// Valid reports whether sum(cuts) + scrap == stock length and scrap >= 0.
func (p Pipe) Valid() bool {
	total, err := fixed.Sum(append([]fixed.Decimal{p.Scrap}, p.Cuts...)...)
	if err != nil {
		return false
	}
	return !p.Scrap.IsNegative() && total.Equal(p.StockLength)
}

// Reason classifies a cut the optimizer could not place.
type Reason string

const (
	ReasonInvalidCutLength        Reason = "INVALID_CUT_LENGTH"
	ReasonCutExceedsStock         Reason = "CUT_EXCEEDS_STOCK"
	ReasonInsufficientStockLength Reason = "INSUFFICIENT_STOCK_LENGTH"
)

var (
	// ErrInvalidCutLength marks a zero or negative cut.
	ErrInvalidCutLength = errors.New("cutting: cut length must be positive")
	// ErrCutExceedsStock marks a cut longer than every available stock length.
	ErrCutExceedsStock = errors.New("cutting: cut exceeds longest stock length")
	// ErrInsufficientStockLength marks cuts whose pipes exceed on-hand pieces.
	ErrInsufficientStockLength = errors.New("cutting: insufficient pieces of stock length")
)

// Err maps a reason back to its sentinel error.
func (r Reason) Err() error {
	switch r {
	case ReasonInvalidCutLength:
		return ErrInvalidCutLength
	case ReasonCutExceedsStock:
		return ErrCutExceedsStock
	case ReasonInsufficientStockLength:
		return ErrInsufficientStockLength
	default:
		return fmt.Errorf("cutting: unknown reason %s", string(r))
	}
}

// Unsatisfied is a requested cut left out of the packing.
type Unsatisfied struct {
	// Index is the cut's position in the request.
	Index  int           `json:"index"`
	Length fixed.Decimal `json:"length"`
	Reason Reason        `json:"reason"`
}

// Shortage reports demand for a stock length above what is on hand.
type Shortage struct {
	Length    fixed.Decimal `json:"length"`
	Required  int           `json:"required"`
	Available int           `json:"available"`
	Shortfall int           `json:"shortfall"`
}

// Result is the optimizer output for one material.
type Result struct {
	Strategy    string        `json:"strategy"`
	Pipes       []Pipe        `json:"pipes"`
	Unsatisfied []Unsatisfied `json:"unsatisfied,omitempty"`
	Shortages   []Shortage    `json:"shortages,omitempty"`
	PipeCount   int           `json:"pipe_count"`
	TotalScrap  fixed.Decimal `json:"total_scrap"`
}

// StockUsed totals the stock length of all pipes.
func (r Result) StockUsed() (fixed.Decimal, error) {
	total := fixed.Zero
	for _, p := range r.Pipes {
		next, err := total.Add(p.StockLength)
		if err != nil {
			return fixed.Zero, err
		}
		total = next
	}
	return total, nil
}

// Utilization returns the used share of consumed stock as a percentage.
func (r Result) Utilization() (fixed.Decimal, error) {
	stock, err := r.StockUsed()
	if err != nil || stock.IsZero() {
		return fixed.Zero, err
	}
	used, err := stock.Sub(r.TotalScrap)
	if err != nil {
		return fixed.Zero, err
	}
	return used.MulDivRound(fixed.FromInt(100), stock)
}
