/*
Package audit provides the hotel Night Audit engine.

PURPOSE:
  Once per operating day the night audit closes the business date: it checks
  that folios, reservations and rooms are consistent, posts the night's room
  charges, turns checkout folios into numbered invoices, reconciles payments,
  rotates invoice-number sequences and records what happened in an immutable
  AuditLog.

KEY CONCEPTS IN THIS FILE (types.go):
  - Room, Reservation: read-only inputs owned by the front office
  - Folio, FolioLine: the append-only per-stay ledger of charges and credits
  - Invoice, InvoiceLine: generated once per checkout folio, never edited
  - Sequence: the stateful counter that numbers invoices
  - Payment: settles an invoice; reconciliation only ever flips false -> true
  - TaxConfiguration, ServiceChargeConfiguration: precomputed rates

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, rounded to cents when derived
  2. Append-only: folio lines and invoices are added, never modified
  3. Explicit ports: the engine reads and writes through interfaces (store.go)
  4. Business dates: dates are UTC midnights (see period.go)

SEE ALSO:
  - log.go: AuditLog and AuditOperation
  - store.go: Repository ports
  - pipeline.go: The orchestrator
*/
package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// RoomID and the IDs below are opaque string identifiers.
type RoomID string
type ReservationID string
type FolioID string
type InvoiceID string
type PaymentID string

// =============================================================================
// ROOMS & RESERVATIONS - Read-only inputs
// =============================================================================

// RoomStatus is the housekeeping state of a room.
type RoomStatus string

const (
	RoomVacant     RoomStatus = "vacant"
	RoomOccupied   RoomStatus = "occupied"
	RoomOutOfOrder RoomStatus = "out-of-order"
)

// Room is a sellable hotel room.
type Room struct {
	ID       RoomID
	Number   string
	RoomType string
	Status   RoomStatus
}

// ReservationStatus is where a stay is in its lifecycle.
type ReservationStatus string

const (
	ReservationConfirmed  ReservationStatus = "confirmed"
	ReservationCheckedIn  ReservationStatus = "checked-in"
	ReservationCheckedOut ReservationStatus = "checked-out"
	ReservationCancelled  ReservationStatus = "cancelled"
	ReservationNoShow     ReservationStatus = "no-show"
)

// Reservation is a guest stay. CheckIn and CheckOut are business dates; the
// guest occupies the room for the nights [CheckIn, CheckOut).
type Reservation struct {
	ID        ReservationID
	GuestName string
	RoomID    RoomID
	RoomType  string
	CheckIn   time.Time
	CheckOut  time.Time
	Status    ReservationStatus
	Rate      decimal.Decimal // nightly base rate
}

// InHouseOn reports whether the guest is staying the night of date.
func (r Reservation) InHouseOn(date time.Time) bool {
	d := BusinessDate(date)
	return r.Status == ReservationCheckedIn &&
		!BusinessDate(r.CheckIn).After(d) &&
		BusinessDate(r.CheckOut).After(d)
}

// ChecksOutOn reports whether the reservation checked out on date.
func (r Reservation) ChecksOutOn(date time.Time) bool {
	return r.Status == ReservationCheckedOut && SameDay(r.CheckOut, date)
}

// =============================================================================
// FOLIO - Append-only ledger of charge lines per stay
// =============================================================================

// ChargeType classifies folio and invoice lines.
type ChargeType string

const (
	ChargeRoom          ChargeType = "room"
	ChargeFoodBeverage  ChargeType = "food-beverage"
	ChargeExtra         ChargeType = "extra"
	ChargeTax           ChargeType = "tax"
	ChargeServiceCharge ChargeType = "service-charge"
	ChargePayment       ChargeType = "payment" // credit, reduces the balance
)

// IsCredit returns true for line types that reduce the folio balance.
func (c ChargeType) IsCredit() bool { return c == ChargePayment }

// LineSource records who posted a folio line.
type LineSource string

const (
	SourceFrontOffice LineSource = "front-office"
	SourceNightAudit  LineSource = "night-audit"
)

// FolioStatus is open while the guest can still be charged.
type FolioStatus string

const (
	FolioOpen   FolioStatus = "open"
	FolioClosed FolioStatus = "closed"
)

// FolioLine is one posting on a folio. Amount is always positive; the Type
// decides whether it is a charge or a credit.
type FolioLine struct {
	ID           string
	Type         ChargeType
	Description  string
	Amount       decimal.Decimal
	BusinessDate time.Time
	PostedAt     time.Time
	PostedBy     string
	Source       LineSource
}

// ChargeKey identifies a night-audit posting for idempotency.
type ChargeKey struct {
	FolioID      FolioID
	BusinessDate string // YYYY-MM-DD
	Type         ChargeType
}

// NewChargeKey builds the uniqueness key of a night-audit charge.
func NewChargeKey(folioID FolioID, date time.Time, t ChargeType) ChargeKey {
	return ChargeKey{FolioID: folioID, BusinessDate: FormatDate(date), Type: t}
}

// Folio is the running account of one reservation.
type Folio struct {
	ID            FolioID
	ReservationID ReservationID
	Status        FolioStatus
	Lines         []FolioLine
}

// IsOpen reports whether the folio still accepts charges.
func (f Folio) IsOpen() bool { return f.Status == FolioOpen }

// HasNightAuditCharge reports whether the night audit already posted a line of
// type t for date on this folio.
func (f Folio) HasNightAuditCharge(date time.Time, t ChargeType) bool {
	for _, l := range f.Lines {
		if l.Source == SourceNightAudit && l.Type == t && SameDay(l.BusinessDate, date) {
			return true
		}
	}
	return false
}

// HasLineOfType reports whether any line of type t was posted.
func (f Folio) HasLineOfType(t ChargeType) bool {
	for _, l := range f.Lines {
		if l.Type == t {
			return true
		}
	}
	return false
}

// Charges returns the sum of all non-credit lines.
func (f Folio) Charges() decimal.Decimal {
	total := decimal.Zero
	for _, l := range f.Lines {
		if !l.Type.IsCredit() {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// Credits returns the sum of all payment lines.
func (f Folio) Credits() decimal.Decimal {
	total := decimal.Zero
	for _, l := range f.Lines {
		if l.Type.IsCredit() {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// Balance is charges minus credits.
func (f Folio) Balance() decimal.Decimal { return f.Charges().Sub(f.Credits()) }

// =============================================================================
// INVOICE - Immutable, generated once per checkout folio
// =============================================================================

// InvoiceStatus is paid once nothing is due.
type InvoiceStatus string

const (
	InvoiceOpen InvoiceStatus = "open"
	InvoicePaid InvoiceStatus = "paid"
)

// InvoiceLine is one line copied from the folio or computed from configuration.
type InvoiceLine struct {
	Type        ChargeType
	Description string
	Amount      decimal.Decimal
}

// Invoice is the numbered bill issued at checkout.
type Invoice struct {
	ID            InvoiceID
	Number        string
	FolioID       FolioID
	ReservationID ReservationID
	GuestName     string
	InvoiceDate   time.Time
	Lines         []InvoiceLine

	RoomRevenue         decimal.Decimal
	FoodBeverageRevenue decimal.Decimal
	ExtraRevenue        decimal.Decimal
	Subtotal            decimal.Decimal
	ServiceCharge       decimal.Decimal
	TaxTotal            decimal.Decimal
	GrandTotal          decimal.Decimal
	AmountPaid          decimal.Decimal
	AmountDue           decimal.Decimal

	Status    InvoiceStatus
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is money received, optionally tied to an invoice.
type Payment struct {
	ID           PaymentID
	FolioID      FolioID
	InvoiceID    InvoiceID // empty until the cashier assigns it
	Amount       decimal.Decimal
	Method       string
	ReceivedAt   time.Time
	Reconciled   bool
	ReconciledAt *time.Time
	ReconciledBy string
}

// =============================================================================
// TAX & SERVICE CHARGE CONFIGURATION - Precomputed, read-only
// =============================================================================

// TaxConfiguration is a percentage applied to the lines whose type is listed
// in AppliesTo.
type TaxConfiguration struct {
	ID        string
	Name      string
	Rate      decimal.Decimal // percent, e.g. 10 = 10%
	AppliesTo []ChargeType
	IsActive  bool
}

// ServiceChargeConfiguration is the hotel-wide service charge.
type ServiceChargeConfiguration struct {
	Rate      decimal.Decimal // percent
	AppliesTo []ChargeType
	IsActive  bool
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Percent returns base * rate / 100, rounded to cents.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Mul(rate).Div(hundred))
}

// MustDecimal parses s or panics. Intended for tests and fixtures.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
