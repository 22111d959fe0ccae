package canvas

import "time"

// FreeReason names why a placement was not charged.
type FreeReason string

const (
	FreeReasonNone       FreeReason = ""
	FreeReasonInactivity FreeReason = "inactivity"
	FreeReasonEndOfWeek  FreeReason = "end_of_week"
)

// PricingInput is everything the pricing rules look at. It is read inside the placement transaction.
type PricingInput struct {
	Now             time.Time
	WeekStart       time.Time
	LastPlacementAt time.Time
	WeekPlacements  int64
	CostLevel       int64
	PriceCap        int64
	LifetimePaid    int64
	PixelWasAd      bool
}

// Quote is the pricing decision for one placement.
type Quote struct {
	Cost       int64
	Free       bool
	FreeReason FreeReason
	NewLevel   int64
	ReachedCap bool
}

// Quote prices a placement. Free placements still advance the pixel's cost level.
func (p Policy) Quote(input PricingInput) Quote {
	newLevel, reachedCap := p.advanceLevel(input.CostLevel, input.PriceCap)
	quote := Quote{
		NewLevel:   newLevel,
		ReachedCap: reachedCap,
	}

	if reason := p.freeReason(input); reason != FreeReasonNone {
		quote.Free = true
		quote.FreeReason = reason
		return quote
	}

	quote.Cost = p.PaidCost(input.CostLevel, input.PriceCap, input.PixelWasAd)
	return quote
}

// PaidCost is base + level*increment, discounted for overwriting an advertisement, then capped.
func (p Policy) PaidCost(level, priceCap int64, pixelWasAd bool) int64 {
	cost := p.BaseCost + level*p.CostIncrement
	if pixelWasAd {
		cost = cost * (100 - p.AdDiscountPercent) / 100
	}
	if cost > priceCap {
		cost = priceCap
	}
	return cost
}

func (p Policy) advanceLevel(level, priceCap int64) (int64, bool) {
	current := p.BaseCost + level*p.CostIncrement
	if current >= priceCap {
		return level, false
	}
	next := level + 1
	return next, p.BaseCost+next*p.CostIncrement >= priceCap
}

func (p Policy) freeReason(input PricingInput) FreeReason {
	if input.LifetimePaid > p.FreeEligibilityMaxPaid {
		return FreeReasonNone
	}
	if input.Now.Sub(input.LastPlacementAt) >= p.InactivityWindow {
		return FreeReasonInactivity
	}
	if p.inEndOfWeekWindow(input) {
		return FreeReasonEndOfWeek
	}
	return FreeReasonNone
}

// inEndOfWeekWindow approximates "one of the last FreeWindowSize placements of the week": inside the final
// EndOfWeekWindow, the week's placement rate so far is projected over the remaining time.
func (p Policy) inEndOfWeekWindow(input PricingInput) bool {
	remaining := input.WeekStart.Add(p.WeekLength).Sub(input.Now)
	if remaining <= 0 || remaining > p.EndOfWeekWindow {
		return false
	}
	elapsedSeconds := int64(input.Now.Sub(input.WeekStart) / time.Second)
	if elapsedSeconds <= 0 {
		return false
	}
	remainingSeconds := int64(remaining / time.Second)
	projected := input.WeekPlacements * remainingSeconds / elapsedSeconds
	return projected < p.FreeWindowSize
}

// ShouldLowerCap reports whether the weekly count of pixels at cap has tripped the one-way cap drop.
func (p Policy) ShouldLowerCap(priceCap, pixelsAtCap int64) bool {
	return priceCap > p.LoweredCap && pixelsAtCap >= p.CapTriggerCount
}

// UndoCost charges UndoBasePercent of the undone placement plus UndoEscalationPercent of the original cost
// of every placement the user already undid this week.
func (p Policy) UndoCost(originalCost, escalationBase int64) int64 {
	return originalCost*p.UndoBasePercent/100 + escalationBase*p.UndoEscalationPercent/100
}
