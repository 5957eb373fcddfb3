// Package quota enforces per-client monthly credit allotments for billable
// generation work.
package quota

import "time"

// QuotaLimit is a client's monthly credit allotment.
type QuotaLimit struct {
	ClientID     string    `json:"client_id" db:"client_id"`
	MonthlyLimit int64     `json:"monthly_limit" db:"monthly_limit"`
	PeriodStart  time.Time `json:"period_start" db:"period_start"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// UsageRecord tracks credits consumed by a client within one period.
type UsageRecord struct {
	ClientID      string    `json:"client_id" db:"client_id"`
	Period        string    `json:"period" db:"period"`
	ConsumedUnits int64     `json:"consumed_units" db:"consumed_units"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// AuditRecord captures an administrative mutation of limits or usage.
type AuditRecord struct {
	ID            string    `json:"id" db:"id"`
	Actor         string    `json:"actor" db:"actor"`
	Action        string    `json:"action" db:"action"`
	ClientID      string    `json:"client_id" db:"client_id"`
	PreviousValue int64     `json:"previous_value" db:"previous_value"`
	NewValue      int64     `json:"new_value" db:"new_value"`
	Reason        string    `json:"reason" db:"reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Audit actions.
const (
	ActionGrantCredits = "grant_credits"
	ActionResetUsage   = "reset_usage"
)

// Denial describes why a quota check rejected a request. A denial never
// mutates usage state.
type Denial struct {
	ClientID  string `json:"client_id"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Requested int64  `json:"requested"`
	Remaining int64  `json:"remaining"`
}

// Usage is the client-facing view of current consumption.
type Usage struct {
	ClientID  string `json:"client_id"`
	Period    string `json:"period"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// PeriodFor returns the usage period key for a point in time.
func PeriodFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodStartFor returns the first instant of the period containing t.
func PeriodStartFor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
