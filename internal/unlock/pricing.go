package unlock

import (
	"fmt"
	"strings"
)

// Mode selects the discount tier applied to an unlock.
type Mode string

const (
	ModeSingle    Mode = "SINGLE"
	ModeRange     Mode = "RANGE"
	ModeFullStory Mode = "FULL_STORY"
)

// Discounts are held in basis points so rounding stays in integer arithmetic.
const (
	basisPointsWhole             int64 = 10_000
	rangeDiscountBasisPoints     int64 = 200
	fullStoryDiscountBasisPoints int64 = 1_000
	rangeDiscountThreshold             = 200
)

// ParseMode accepts the wire spelling of a mode, case-insensitively.
func ParseMode(raw string) (Mode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch Mode(normalized) {
	case ModeSingle:
		return ModeSingle, nil
	case ModeRange:
		return ModeRange, nil
	case ModeFullStory:
		return ModeFullStory, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrBadRequest, raw)
	}
}

// Quote is the priced view of a target set.
type Quote struct {
	Mode                Mode
	ItemCount           int
	OriginalTotal       int64
	DiscountBasisPoints int64
	FinalTotal          int64
}

// DiscountPercent renders the discount as a percentage (2 for 2%).
func (quote Quote) DiscountPercent() float64 {
	return float64(quote.DiscountBasisPoints) / 100
}

// DiscountBasisPoints returns the discount tier for a mode and item count.
func DiscountBasisPoints(itemCount int, mode Mode) int64 {
	switch mode {
	case ModeRange:
		if itemCount > rangeDiscountThreshold {
			return rangeDiscountBasisPoints
		}
		return 0
	case ModeFullStory:
		return fullStoryDiscountBasisPoints
	default:
		return 0
	}
}

// Price maps an original total to the final charged total.
func Price(originalTotal int64, itemCount int, mode Mode) int64 {
	return applyDiscount(originalTotal, DiscountBasisPoints(itemCount, mode))
}

// NewQuote prices a target set.
func NewQuote(originalTotal int64, itemCount int, mode Mode) Quote {
	discount := DiscountBasisPoints(itemCount, mode)
	return Quote{
		Mode:                mode,
		ItemCount:           itemCount,
		OriginalTotal:       originalTotal,
		DiscountBasisPoints: discount,
		FinalTotal:          applyDiscount(originalTotal, discount),
	}
}

// applyDiscount computes round(total * (1 - bp/10000)) rounding halves up.
func applyDiscount(originalTotal int64, discountBasisPoints int64) int64 {
	if originalTotal <= 0 {
		return 0
	}
	scaled := originalTotal * (basisPointsWhole - discountBasisPoints)
	return (scaled + basisPointsWhole/2) / basisPointsWhole
}
