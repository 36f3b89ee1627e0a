// Package ticket holds the pure wager-unit logic: validation of a ticket's
// number bitmask and symbol, fingerprinting, payout scoring against a
// winning draw and derivation of the draw itself from oracle randomness.
package ticket

import (
	"math/bits"

	appErr "lotto-service/pkg/errors"
)

const (
	// NumberMax is the highest selectable number; number n occupies mask
	// bit n-1, so numbers 1-5 encode as 0b11111.
	NumberMax        = 25
	SymbolMax        = 5
	NumbersPerTicket = 5

	numbersMask = uint32(1)<<NumberMax - 1
)

type Ticket struct {
	Symbol  uint8  `json:"symbol"`
	Numbers uint32 `json:"numbers"`
}

// Validate reports whether the ticket is well formed: symbol in [1,5] and a
// nonzero 25-bit mask with exactly five bits set.
func Validate(t Ticket) bool {
	if t.Symbol < 1 || t.Symbol > SymbolMax {
		return false
	}
	if t.Numbers == 0 || t.Numbers&^numbersMask != 0 {
		return false
	}
	return CountSetBits(t.Numbers) == NumbersPerTicket
}

// CountSetBits is the exact 32-bit population count used by both
// validation and match scoring.
func CountSetBits(x uint32) int {
	return bits.OnesCount32(x)
}

// Fingerprint is the per-round uniqueness key of a ticket.
func Fingerprint(t Ticket) uint32 {
	return uint32(t.Symbol)<<NumberMax | t.Numbers
}

// MaskFromNumbers converts explicit number picks into the bitmask form,
// rejecting out-of-range or duplicate picks.
func MaskFromNumbers(numbers []int) (uint32, error) {
	var mask uint32
	for _, n := range numbers {
		if n < 1 || n > NumberMax {
			return 0, appErr.ErrInvalidTicket
		}
		bit := uint32(1) << (n - 1)
		if mask&bit != 0 {
			return 0, appErr.ErrInvalidTicket
		}
		mask |= bit
	}
	return mask, nil
}

// NumbersFromMask expands a bitmask back into sorted number picks.
func NumbersFromMask(mask uint32) []int {
	numbers := make([]int, 0, NumbersPerTicket)
	for n := 1; n <= NumberMax; n++ {
		if mask&(uint32(1)<<(n-1)) != 0 {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// PayoutTable is one coefficient variant. The jackpot fee percentage and
// the coefficients come paired: the top tier must stay covered by the
// reserved exposure, so the pair is never tuned independently.
type PayoutTable struct {
	FeePercent  int64
	Jackpot     int64 // 5 matches + unlocked symbol
	Match5      int64
	Match4Bonus int64
	Match4      int64
	Match3Bonus int64
	Match3      int64
	Match2Bonus int64
}

var (
	tableFee3 = PayoutTable{
		FeePercent:  3,
		Jackpot:     33334,
		Match5:      13334,
		Match4Bonus: 334,
		Match4:      40,
		Match3Bonus: 5,
		Match3:      1,
		Match2Bonus: 1,
	}
	tableFee4 = PayoutTable{
		FeePercent:  4,
		Jackpot:     40000,
		Match5:      15000,
		Match4Bonus: 400,
		Match4:      50,
		Match3Bonus: 5,
		Match3:      1,
		Match2Bonus: 1,
	}
)

// TableForFee returns the coefficient table paired with the given jackpot
// fee percentage.
func TableForFee(feePct int64) (PayoutTable, bool) {
	switch feePct {
	case 3:
		return tableFee3, true
	case 4:
		return tableFee4, true
	default:
		return PayoutTable{}, false
	}
}

// MaxShares is the aggregate payout multiplier reserved per round.
func (tb PayoutTable) MaxShares() int64 {
	return tb.Jackpot
}

// Score returns the ticket-price multiplier the ticket earns against the
// winning draw and whether it hits the jackpot tier. The symbol bonus only
// counts when the owning bet has its symbol unlocked (three or more
// tickets).
func (tb PayoutTable) Score(t, winning Ticket, symbolUnlocked bool) (int64, bool) {
	overlap := CountSetBits(t.Numbers & winning.Numbers)
	bonus := symbolUnlocked && t.Symbol == winning.Symbol

	switch {
	case overlap == 5 && bonus:
		return tb.Jackpot, true
	case overlap == 5:
		return tb.Match5, false
	case overlap == 4 && bonus:
		return tb.Match4Bonus, false
	case overlap == 4:
		return tb.Match4, false
	case overlap == 3 && bonus:
		return tb.Match3Bonus, false
	case overlap == 3:
		return tb.Match3, false
	case overlap == 2 && bonus:
		return tb.Match2Bonus, false
	default:
		return 0, false
	}
}

// DeriveWinning turns six oracle words into the winning ticket. The five
// numbers come from a partial Fisher-Yates shuffle over the 25-number
// pool, which keeps them distinct by construction; the symbol comes from
// the sixth word.
func DeriveWinning(words [6]uint64) Ticket {
	pool := make([]int, NumberMax)
	for i := range pool {
		pool[i] = i + 1
	}

	var mask uint32
	for i := 0; i < NumbersPerTicket; i++ {
		j := i + int(words[i]%uint64(NumberMax-i))
		pool[i], pool[j] = pool[j], pool[i]
		mask |= uint32(1) << (pool[i] - 1)
	}

	return Ticket{
		Symbol:  uint8(words[5]%SymbolMax) + 1,
		Numbers: mask,
	}
}
