// Package chain provides strike universe computation, subscription set
// management and depth tick processing for the option chain engine.
package chain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"chainstream/internal/models"
)

// LadderHalfWidth is the number of strikes on each side of ATM.
const LadderHalfWidth = 20

// LadderSize is the total number of strikes in the ladder.
const LadderSize = 2*LadderHalfWidth + 1

// ATMStrike computes the at-the-money strike for an LTP and strike step,
// rounding half-up on ties.
func ATMStrike(ltp, step float64) float64 {
	if step <= 0 {
		return 0
	}
	return math.Floor(ltp/step+0.5) * step
}

// TagForOffset returns the positional tag for a ladder offset in
// [-LadderHalfWidth, LadderHalfWidth]. Lower strikes are tagged ITM,
// higher strikes OTM, independent of option side.
func TagForOffset(offset int) models.StrikeTag {
	switch {
	case offset < 0:
		return models.StrikeTag("ITM" + strconv.Itoa(-offset))
	case offset > 0:
		return models.StrikeTag("OTM" + strconv.Itoa(offset))
	default:
		return models.TagATM
	}
}

// Ladder produces the 41-strike ladder around atm, strictly increasing,
// tagged ITM20..ITM1, ATM, OTM1..OTM20.
func Ladder(atm, step float64) []models.Strike {
	strikes := make([]models.Strike, 0, LadderSize)
	for offset := -LadderHalfWidth; offset <= LadderHalfWidth; offset++ {
		strikes = append(strikes, models.Strike{
			Level: atm + float64(offset)*step,
			Tag:   TagForOffset(offset),
		})
	}
	return strikes
}

// FormatExpiry renders an expiry date in the DDMMMYY symbol segment,
// e.g. 25 September 2025 -> "25SEP25".
func FormatExpiry(expiry time.Time) string {
	return strings.ToUpper(expiry.Format("02Jan06"))
}

// formatStrike renders a strike level without a trailing fractional part
// for whole-number strikes.
func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// OptionSymbol constructs an option symbol from its parts using the fixed
// textual format {BASE}{DDMMMYY}{STRIKE}{CE|PE}. The mapping is injective
// for distinct (strike, side) pairs under one base and expiry.
func OptionSymbol(base string, expiry time.Time, strike float64, side models.OptionSide) string {
	return base + FormatExpiry(expiry) + formatStrike(strike) + string(side)
}

// Universe is the current contract universe for one underlying and expiry.
// It is regenerated wholesale when the ATM strike or expiry changes, never
// patched in place.
type Universe struct {
	Underlying models.Underlying
	Expiry     time.Time
	ATM        float64
	Strikes    []models.Strike
	Contracts  []models.OptionContract
}

// NewUniverse builds the universe for an underlying at the given LTP.
func NewUniverse(u models.Underlying, expiry time.Time, ltp float64) *Universe {
	uni := &Universe{Underlying: u, Expiry: expiry}
	uni.regenerate(ATMStrike(ltp, u.Step))
	return uni
}

func (u *Universe) regenerate(atm float64) {
	u.ATM = atm
	u.Strikes = Ladder(atm, u.Underlying.Step)
	u.Contracts = make([]models.OptionContract, 0, 2*LadderSize)
	for _, s := range u.Strikes {
		for _, side := range []models.OptionSide{models.SideCall, models.SidePut} {
			u.Contracts = append(u.Contracts, models.OptionContract{
				Symbol:     OptionSymbol(u.Underlying.BaseSymbol, u.Expiry, s.Level, side),
				Side:       side,
				Strike:     s.Level,
				Tag:        s.Tag,
				Underlying: u.Underlying.Name,
				Expiry:     u.Expiry,
			})
		}
	}
}

// Rebase recomputes the universe if the LTP maps to a different ATM
// strike. It reports whether the universe changed.
func (u *Universe) Rebase(ltp float64) bool {
	atm := ATMStrike(ltp, u.Underlying.Step)
	if atm == u.ATM {
		return false
	}
	u.regenerate(atm)
	return true
}

// Roll switches the universe to a new expiry, regenerating all contracts.
func (u *Universe) Roll(expiry time.Time) {
	u.Expiry = expiry
	u.regenerate(u.ATM)
}

// Symbols returns the option symbols of the universe in ladder order,
// CE before PE per strike.
func (u *Universe) Symbols() []string {
	symbols := make([]string, 0, len(u.Contracts))
	for _, c := range u.Contracts {
		symbols = append(symbols, c.Symbol)
	}
	return symbols
}
