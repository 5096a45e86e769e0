package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AlertRule is a user's standing subscription: notify when the current
// opportunity's holding-period profit reaches ThresholdPct, at most once
// per cooldown window.
type AlertRule struct {
	ID              int64
	UserID          int64
	ChatID          string
	Pair            string
	ThresholdPct    decimal.Decimal
	CooldownSeconds int64
	Enabled         bool
	CreatedAt       time.Time
}

// Cooldown returns the rule's cooldown as a duration.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// AlertDispatch records one fired alert. The claim path guarantees no two
// rows for the same (user, rule) are closer than the rule's cooldown.
type AlertDispatch struct {
	ID           int64
	RuleID       int64
	UserID       int64
	FiredAt      time.Time
	ProfitPct    decimal.Decimal
	ThresholdPct decimal.Decimal
	Exchange     string
	CreatedAt    time.Time
}

// OpportunitySample is one polling cycle's persisted result, used by the
// show/export commands and kept out of the alert path's correctness story.
type OpportunitySample struct {
	Bucket        time.Time
	Pair          string
	Exchange      string
	Price         decimal.Decimal
	ReferenceRate decimal.Decimal
	RateSource    string
	ProfitPct     decimal.Decimal
	APYPct        decimal.Decimal
	RiskTier      string
	VolumeUSD     decimal.Decimal
	Sources       int
	Status        string
	Error         *string
	Quote         json.RawMessage
	CreatedAt     time.Time
}
