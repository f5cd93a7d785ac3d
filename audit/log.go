/*
log.go - The persisted record of one night-audit run

PURPOSE:
  AuditLog is the system of record answering "did an audit for date X run,
  and what happened". One record is created per run; it starts in-progress,
  collects one AuditOperation per executed step, and is finalized as
  completed or failed. After finalization it is never modified.

LIFECYCLE:
  in-progress -> completed
  in-progress -> failed

  Operations are created and finalized inside the enclosing run. They are
  never retried automatically; a re-run creates a brand-new AuditLog.

SEE ALSO:
  - pipeline.go: Creates and finalizes logs
  - store.go: AuditLogStore (append-only history)
*/
package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditStatus is the lifecycle state of an AuditLog.
type AuditStatus string

const (
	StatusInProgress AuditStatus = "in-progress"
	StatusCompleted  AuditStatus = "completed"
	StatusFailed     AuditStatus = "failed"
)

// IsFinal reports whether the log can no longer change.
func (s AuditStatus) IsFinal() bool { return s == StatusCompleted || s == StatusFailed }

// OperationType names a pipeline operation.
type OperationType string

const (
	OpPostRoomCharges      OperationType = "post-room-charges"
	OpGenerateInvoices     OperationType = "generate-invoices"
	OpReconcilePayments    OperationType = "reconcile-payments"
	OpRotateInvoiceNumbers OperationType = "rotate-invoice-numbers"
)

// OperationOrder is the fixed execution order. Invoices need tonight's room
// charges on the folios, and reconciliation needs the invoices.
var OperationOrder = []OperationType{
	OpPostRoomCharges,
	OpGenerateInvoices,
	OpReconcilePayments,
	OpRotateInvoiceNumbers,
}

// OperationStatus is the outcome of one operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// AuditOperation records one pipeline step.
type AuditOperation struct {
	ID               string
	Type             OperationType
	Status           OperationStatus
	RecordsProcessed int
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	Details          map[string]any
	Errors           []string
}

// Summary is the day's financial picture, derived from persisted invoices.
type Summary struct {
	RoomRevenue         decimal.Decimal
	FoodBeverageRevenue decimal.Decimal
	ExtraRevenue        decimal.Decimal
	TaxTotal            decimal.Decimal
	ServiceCharge       decimal.Decimal
	TotalRevenue        decimal.Decimal
	OutstandingBalance  decimal.Decimal
	InvoiceCount        int

	// Occupancy
	TotalRooms    int
	RoomsSold     int
	OccupancyRate decimal.Decimal // percent
	ADR           decimal.Decimal // average daily rate
	RevPAR        decimal.Decimal // revenue per available room
}

// AuditLog is one night-audit run.
type AuditLog struct {
	ID          string
	AuditDate   time.Time
	Period      Period
	Status      AuditStatus
	StartedBy   string
	StartedAt   time.Time
	CompletedAt *time.Time
	Operations  []AuditOperation

	RoomChargesPosted  int
	InvoicesGenerated  int
	PaymentsReconciled int
	SequencesRotated   int

	Summary  *Summary
	Errors   []string
	Warnings []string
}

// Operation returns the recorded operation of the given type, if it ran.
func (l *AuditLog) Operation(t OperationType) *AuditOperation {
	for i := range l.Operations {
		if l.Operations[i].Type == t {
			return &l.Operations[i]
		}
	}
	return nil
}

// FailedOperations returns the types of operations that failed.
func (l *AuditLog) FailedOperations() []OperationType {
	var failed []OperationType
	for _, op := range l.Operations {
		if op.Status == OperationFailed {
			failed = append(failed, op.Type)
		}
	}
	return failed
}
