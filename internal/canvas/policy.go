package canvas

import "time"

const (
	defaultBoardSize              = 1024
	defaultBaseCost               = 1000
	defaultCostIncrement          = 1000
	defaultInitialCap             = 200000
	defaultLoweredCap             = 150000
	defaultCapTriggerCount        = 100
	defaultFreeWindowSize         = 5000
	defaultEndOfWeekWindow        = 6 * time.Hour
	defaultInactivityWindow       = 30 * time.Minute
	defaultFreeEligibilityMaxPaid = 500
	defaultRateLimitInterval      = time.Second
	defaultUndoWindow             = 5 * time.Minute
	defaultUndoBasePercent        = 25
	defaultUndoEscalationPercent  = 10
	defaultAdDiscountPercent      = 10
	defaultReportThreshold        = 2500
	defaultWeekLength             = 7 * 24 * time.Hour
	defaultRewardCredits          = 100000
	defaultRewardCooldownMonths   = 6

	// DefaultColor is the color an unpainted coordinate reverts to when its first placement is undone.
	DefaultColor = "#FFFFFF"
)

// Policy holds the economy constants. All amounts are in credits.
type Policy struct {
	BoardSize              int
	BaseCost               int64
	CostIncrement          int64
	InitialCap             int64
	LoweredCap             int64
	CapTriggerCount        int64
	FreeWindowSize         int64
	EndOfWeekWindow        time.Duration
	InactivityWindow       time.Duration
	FreeEligibilityMaxPaid int64
	RateLimitInterval      time.Duration
	UndoWindow             time.Duration
	UndoBasePercent        int64
	UndoEscalationPercent  int64
	AdDiscountPercent      int64
	ReportThreshold        int64
	WeekLength             time.Duration
	RewardCredits          int64
	RewardCooldownMonths   int64
}

// DefaultPolicy returns the production economy constants.
func DefaultPolicy() Policy {
	return Policy{
		BoardSize:              defaultBoardSize,
		BaseCost:               defaultBaseCost,
		CostIncrement:          defaultCostIncrement,
		InitialCap:             defaultInitialCap,
		LoweredCap:             defaultLoweredCap,
		CapTriggerCount:        defaultCapTriggerCount,
		FreeWindowSize:         defaultFreeWindowSize,
		EndOfWeekWindow:        defaultEndOfWeekWindow,
		InactivityWindow:       defaultInactivityWindow,
		FreeEligibilityMaxPaid: defaultFreeEligibilityMaxPaid,
		RateLimitInterval:      defaultRateLimitInterval,
		UndoWindow:             defaultUndoWindow,
		UndoBasePercent:        defaultUndoBasePercent,
		UndoEscalationPercent:  defaultUndoEscalationPercent,
		AdDiscountPercent:      defaultAdDiscountPercent,
		ReportThreshold:        defaultReportThreshold,
		WeekLength:             defaultWeekLength,
		RewardCredits:          defaultRewardCredits,
		RewardCooldownMonths:   defaultRewardCooldownMonths,
	}
}

// ValidCoordinate reports whether (x, y) lies on the board.
func (p Policy) ValidCoordinate(x, y int) bool {
	return x >= 0 && y >= 0 && x < p.BoardSize && y < p.BoardSize
}
