package audit

import "time"

// =============================================================================
// BUSINESS DATES
// =============================================================================

// DateLayout is the wire format of business dates.
const DateLayout = "2006-01-02"

// BusinessDate truncates t to midnight UTC of its calendar day.
func BusinessDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a business date.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD business date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return BusinessDate(t), nil
}

// FormatDate renders a business date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// SameDay reports whether a and b fall on the same business date.
func SameDay(a, b time.Time) bool { return BusinessDate(a).Equal(BusinessDate(b)) }

// =============================================================================
// AUDIT PERIOD - Half-open interval [auditDate 00:00, auditDate+1 00:00)
// =============================================================================

// Period is the half-open interval covered by one audit.
type Period struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the audit period of a business date.
func PeriodFor(auditDate time.Time) Period {
	start := BusinessDate(auditDate)
	return Period{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains returns true if t lies in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// RESET PERIODS - Calendar periods used by invoice sequences
// =============================================================================

// ResetPeriod is how often an invoice sequence restarts.
type ResetPeriod string

const (
	ResetNever   ResetPeriod = "never"
	ResetDaily   ResetPeriod = "daily"
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
)

// Valid reports whether rp is a known reset period.
func (rp ResetPeriod) Valid() bool {
	switch rp {
	case ResetNever, ResetDaily, ResetMonthly, ResetYearly:
		return true
	}
	return false
}

// PeriodStart returns the start of the calendar period that contains date.
// For ResetNever it returns the zero time: there is only one period.
func (rp ResetPeriod) PeriodStart(date time.Time) time.Time {
	d := BusinessDate(date)
	switch rp {
	case ResetDaily:
		return d
	case ResetMonthly:
		return NewDate(d.Year(), d.Month(), 1)
	case ResetYearly:
		return NewDate(d.Year(), time.January, 1)
	default:
		return time.Time{}
	}
}
