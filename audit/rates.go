package audit

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SEASON CALENDAR - Default RateCalendar
// =============================================================================

// RateSeason scales the base rate for dates in [From, To] (inclusive).
// An empty RoomType matches every room type.
type RateSeason struct {
	Name       string
	RoomType   string
	From       time.Time
	To         time.Time
	Multiplier decimal.Decimal
}

func (s RateSeason) matches(roomType string, date time.Time) bool {
	if s.RoomType != "" && s.RoomType != roomType {
		return false
	}
	d := BusinessDate(date)
	return !d.Before(BusinessDate(s.From)) && !d.After(BusinessDate(s.To))
}

// SeasonCalendar multiplies together every season or event that covers the
// date, so a festival inside high season stacks on top of it.
type SeasonCalendar struct {
	Seasons []RateSeason
}

// Multiplier returns the product of the multipliers of every season covering
// date for roomType, or 1.
func (c SeasonCalendar) Multiplier(_ context.Context, roomType string, date time.Time) (decimal.Decimal, error) {
	m := decimal.NewFromInt(1)
	for _, s := range c.Seasons {
		if s.matches(roomType, date) {
			m = m.Mul(s.Multiplier)
		}
	}
	return m, nil
}

// =============================================================================
// LOCAL LOCKER - In-process Locker
// =============================================================================

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Obtain takes key without waiting. It returns ErrLockNotObtained while
// another caller holds it.
func (l *LocalLocker) Obtain(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockNotObtained
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}
