/*
store.go - Repository ports consumed by the night audit

PURPOSE:
  The engine never touches ambient state. Every collection it reads or
  writes sits behind one of these interfaces, injected into the Pipeline.
  Tests use the in-memory implementation; production uses SQLite.

OWNERSHIP:
  FolioStore:          read; AppendCharge by RoomChargePoster only
  ReservationReader:   read-only
  RoomReader:          read-only
  InvoiceStore:        append-only; written by InvoiceGenerator only
  SequenceStore:       read/write; optimistic Version check on every write
  PaymentStore:        read; MarkReconciled only ever sets reconciled=true
  ConfigurationReader: read-only tax and service-charge configuration
  AuditLogStore:       append-only history of runs

IMPLEMENTATIONS:
  - audit/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
*/
package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FRONT-OFFICE DATA
// =============================================================================

// FolioStore reads folios and appends charges to them.
type FolioStore interface {
	ListFolios(ctx context.Context) ([]Folio, error)

	// AppendCharge appends a line to a folio. Night-audit lines are unique per
	// (folio, business date, charge type); a repeat returns ErrDuplicateCharge.
	AppendCharge(ctx context.Context, folioID FolioID, line FolioLine) error
}

// ReservationReader lists reservations.
type ReservationReader interface {
	ListReservations(ctx context.Context) ([]Reservation, error)
}

// RoomReader lists rooms.
type RoomReader interface {
	ListRooms(ctx context.Context) ([]Room, error)
}

// ConfigurationReader provides tax and service charge settings.
type ConfigurationReader interface {
	ListTaxConfigurations(ctx context.Context) ([]TaxConfiguration, error)

	// ServiceChargeConfiguration returns nil when none is configured.
	ServiceChargeConfiguration(ctx context.Context) (*ServiceChargeConfiguration, error)
}

// =============================================================================
// INVOICES & SEQUENCES
// =============================================================================

// InvoiceStore persists issued invoices.
type InvoiceStore interface {
	// IssueInvoices persists invoices together with the sequence that numbered
	// them. seq.Version must equal the stored version (0 = create); otherwise
	// nothing is written and ErrConcurrentModification is returned.
	IssueInvoices(ctx context.Context, invoices []Invoice, seq Sequence) error

	// GetInvoice returns nil, nil when the invoice does not exist.
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// InvoiceForFolio returns nil, nil when the folio has not been invoiced.
	InvoiceForFolio(ctx context.Context, folioID FolioID) (*Invoice, error)

	// ListInvoices returns invoices with InvoiceDate in [from, to).
	ListInvoices(ctx context.Context, from, to time.Time) ([]Invoice, error)
}

// SequenceStore persists invoice number sequences.
type SequenceStore interface {
	// ActiveSequence returns nil, nil when no active sequence of that type exists.
	ActiveSequence(ctx context.Context, seqType string) (*Sequence, error)

	ListSequences(ctx context.Context) ([]Sequence, error)

	// SaveSequence writes seq if the stored Version still equals seq.Version.
	SaveSequence(ctx context.Context, seq Sequence) error
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentStore tracks payment reconciliation.
type PaymentStore interface {
	ListUnreconciledPayments(ctx context.Context) ([]Payment, error)

	// MarkReconciled sets reconciled=true. It never clears the flag; marking an
	// already reconciled payment is a no-op.
	MarkReconciled(ctx context.Context, id PaymentID, at time.Time, by string) error
}

// =============================================================================
// AUDIT LOG - Append-only history of runs
// =============================================================================

// AuditLogStore persists the history of night-audit runs.
type AuditLogStore interface {
	// BeginAudit persists a new in-progress log. Returns ErrAuditInProgress
	// when any other log is still in progress; this is the durable run lock.
	BeginAudit(ctx context.Context, log AuditLog) error

	// SaveAudit updates an in-progress log. ErrAuditFinalized otherwise.
	SaveAudit(ctx context.Context, log AuditLog) error

	// FinalizeAudit writes the final state. ErrAuditFinalized if already final.
	FinalizeAudit(ctx context.Context, log AuditLog) error

	GetAudit(ctx context.Context, id string) (*AuditLog, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]AuditLog, error)

	// AbandonStaleAudits fails in-progress logs started before olderThan,
	// releasing the run lock held by a crashed process.
	AbandonStaleAudits(ctx context.Context, olderThan time.Time) (int, error)
}

// AuditFilter narrows ListAudits. Zero fields match everything.
type AuditFilter struct {
	AuditDate *time.Time
	Status    *AuditStatus
	Limit     int
}

// =============================================================================
// STORE - Everything the pipeline needs
// =============================================================================

// Store is every port the pipeline uses.
type Store interface {
	FolioStore
	ReservationReader
	RoomReader
	ConfigurationReader
	InvoiceStore
	SequenceStore
	PaymentStore
	AuditLogStore
}

// =============================================================================
// RATE CALENDAR
// =============================================================================

// RateCalendar supplies the season/event multiplier applied to a base rate.
type RateCalendar interface {
	Multiplier(ctx context.Context, roomType string, date time.Time) (decimal.Decimal, error)
}

// =============================================================================
// LOCKER - Cross-process run exclusion
// =============================================================================

// Locker serializes runs. Obtain returns ErrLockNotObtained when the key is
// held elsewhere; release must be called once the run is finalized.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(context.Context) error, err error)
}
