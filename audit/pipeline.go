/*
pipeline.go - Night audit orchestrator

PURPOSE:
  Runs one night audit: validate, then the enabled operations in fixed
  order, then the summary, and records everything in a new AuditLog.

STATE MACHINE:
  Idle -> Validating -> RunningOperation(i)... -> Finalizing -> Done
                 \                                    \
                  +-> Failed (critical issue)          +-> Failed (summary)

  One controller (step) drives every transition. A run executes in the
  caller's goroutine; callers wanting a background run wrap Run in a
  goroutine without changing the contract.

FAILURE ISOLATION:
  Each operation returns an OperationResult. A failed operation is recorded
  with status=failed and its reason, and the pipeline moves on to the next
  enabled operation. Panics inside an operation are recovered into the
  same shape. Only a critical validation issue (or failing to load the data
  to validate) stops the run before any operation executes.

NON-ATOMIC BATCH:
  Each operation commits its own writes. A later failure never undoes an
  earlier operation's postings.

EXCLUSION:
  1. Locker (optional): in-process mutex or Redis lock across processes
  2. Orphan reclaim: in-progress logs no live run can own are failed
  3. BeginAudit: durable, fails while any AuditLog is in-progress

  A Locker must be shared by every process writing the store. While it is
  held no other run is alive, so every in-progress log belongs to a crashed
  run or one whose finalize failed, and is abandoned before BeginAudit.
  Without a Locker only logs older than StaleAfter are abandoned.

  A panic outside an operation (validation, summary) fails the run and the
  log is still finalized.

  Cancellation is not supported mid-run: the run ignores the caller's
  context cancellation once started.

USAGE:
  p := audit.NewPipeline(store, audit.WithLogger(logger))
  log, err := p.Run(ctx, audit.AllOperations(date, "night-manager"))
*/
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// RUN REQUEST
// =============================================================================

// RunRequest is the caller-validated configuration of one run.
type RunRequest struct {
	AuditDate            time.Time
	StartedBy            string
	PostRoomCharges      bool
	GenerateInvoices     bool
	ReconcilePayments    bool
	RotateInvoiceNumbers bool
}

// AllOperations enables every operation.
func AllOperations(auditDate time.Time, startedBy string) RunRequest {
	return RunRequest{
		AuditDate:            auditDate,
		StartedBy:            startedBy,
		PostRoomCharges:      true,
		GenerateInvoices:     true,
		ReconcilePayments:    true,
		RotateInvoiceNumbers: true,
	}
}

// Enabled reports whether operation t is switched on.
func (r RunRequest) Enabled(t OperationType) bool {
	switch t {
	case OpPostRoomCharges:
		return r.PostRoomCharges
	case OpGenerateInvoices:
		return r.GenerateInvoices
	case OpReconcilePayments:
		return r.ReconcilePayments
	case OpRotateInvoiceNumbers:
		return r.RotateInvoiceNumbers
	}
	return false
}

// =============================================================================
// STATES
// =============================================================================

// State is a step of the run state machine.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateRunningOperation
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunningOperation:
		return "running-operation"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// =============================================================================
// PIPELINE
// =============================================================================

// DefaultLockKey is the Locker key shared by every run.
const DefaultLockKey = "night-audit"

// Pipeline runs night audits against one Store.
type Pipeline struct {
	Store   Store
	Rates   RateCalendar
	Locker  Locker
	Logger  *zap.Logger
	Now     func() time.Time
	LockKey string

	// StaleAfter, when positive and no Locker is set, abandons in-progress
	// logs started more than StaleAfter ago before a run begins.
	StaleAfter time.Duration

	// Observer, if set, is called on every state transition. op is set while
	// in StateRunningOperation.
	Observer func(state State, op OperationType)

	validator Validator
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.Logger = l } }

// WithRates sets the seasonal rate calendar used when posting room charges.
func WithRates(r RateCalendar) Option { return func(p *Pipeline) { p.Rates = r } }

// WithLocker serializes runs through l.
func WithLocker(l Locker) Option { return func(p *Pipeline) { p.Locker = l } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.Now = now } }

// WithStaleAfter sets Pipeline.StaleAfter.
func WithStaleAfter(d time.Duration) Option { return func(p *Pipeline) { p.StaleAfter = d } }

// WithObserver registers a callback for every state transition.
func WithObserver(fn func(State, OperationType)) Option {
	return func(p *Pipeline) { p.Observer = fn }
}

// NewPipeline creates a pipeline over store with a no-op logger and the UTC
// wall clock.
func NewPipeline(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		Store:   store,
		Logger:  zap.NewNop(),
		Now:     func() time.Time { return time.Now().UTC() },
		LockKey: DefaultLockKey,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Validate runs the Validator against current data without starting a run.
func (p *Pipeline) Validate(ctx context.Context, auditDate time.Time) (ValidationReport, error) {
	folios, err := p.Store.ListFolios(ctx)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("load folios: %w", err)
	}
	reservations, err := p.Store.ListReservations(ctx)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("load reservations: %w", err)
	}
	rooms, err := p.Store.ListRooms(ctx)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("load rooms: %w", err)
	}
	return p.validator.Validate(auditDate, folios, reservations, rooms), nil
}

// Run executes one night audit and returns its finalized log. The error is
// non-nil only when no log could be started (another run in progress, lock
// held, store unavailable) or the final state could not be persisted; every
// other failure is recorded on the returned log. A log left in progress by a
// failed finalize is reclaimed by the next run that holds the lock.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*AuditLog, error) {
	ctx = context.WithoutCancel(ctx)

	if p.Locker != nil {
		release, err := p.Locker.Obtain(ctx, p.LockKey)
		if err != nil {
			return nil, fmt.Errorf("obtain run lock: %w", err)
		}
		defer func() {
			if err := release(ctx); err != nil {
				p.logger().Warn("release run lock", zap.Error(err))
			}
		}()
	}

	if err := p.reclaimOrphans(ctx); err != nil {
		return nil, fmt.Errorf("abandon orphaned audits: %w", err)
	}

	auditDate := BusinessDate(req.AuditDate)
	r := &run{
		p:   p,
		req: req,
		rc: RunContext{
			AuditDate: auditDate,
			Period:    PeriodFor(auditDate),
			Actor:     req.StartedBy,
			Now:       p.now,
		},
		log: &AuditLog{
			ID:        uuid.NewString(),
			AuditDate: auditDate,
			Period:    PeriodFor(auditDate),
			Status:    StatusInProgress,
			StartedBy: req.StartedBy,
			StartedAt: p.now(),
		},
		logger: p.logger().With(zap.String("audit_date", FormatDate(auditDate))),
		state:  StateIdle,
	}

	if err := p.Store.BeginAudit(ctx, *r.log); err != nil {
		return nil, fmt.Errorf("begin audit: %w", err)
	}
	r.logger = r.logger.With(zap.String("audit_id", r.log.ID))
	r.logger.Info("night audit started", zap.String("started_by", req.StartedBy))

	r.drive(ctx)

	completed := p.now()
	r.log.CompletedAt = &completed
	if r.state == StateDone {
		r.log.Status = StatusCompleted
	} else {
		r.log.Status = StatusFailed
	}

	if err := p.Store.FinalizeAudit(ctx, *r.log); err != nil {
		r.logger.Error("finalize audit", zap.Error(err))
		return r.log, fmt.Errorf("finalize audit: %w", err)
	}

	r.logger.Info("night audit finished",
		zap.String("status", string(r.log.Status)),
		zap.Int("room_charges_posted", r.log.RoomChargesPosted),
		zap.Int("invoices_generated", r.log.InvoicesGenerated),
		zap.Int("payments_reconciled", r.log.PaymentsReconciled),
		zap.Int("sequences_rotated", r.log.SequencesRotated),
		zap.Duration("elapsed", completed.Sub(r.log.StartedAt)),
	)
	return r.log, nil
}

// reclaimOrphans fails in-progress logs that no live run can own.
func (p *Pipeline) reclaimOrphans(ctx context.Context) error {
	var cutoff time.Time
	switch {
	case p.Locker != nil:
		cutoff = p.now()
	case p.StaleAfter > 0:
		cutoff = p.now().Add(-p.StaleAfter)
	default:
		return nil
	}
	n, err := p.Store.AbandonStaleAudits(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger().Warn("abandoned orphaned in-progress audits", zap.Int("count", n))
	}
	return nil
}

// =============================================================================
// RUN - One execution of the state machine
// =============================================================================

type run struct {
	p      *Pipeline
	req    RunRequest
	rc     RunContext
	log    *AuditLog
	logger *zap.Logger

	state State
	opIdx int // index into OperationOrder while RunningOperation
}

func (r *run) transition(s State) {
	r.state = s
	if r.p.Observer != nil {
		var op OperationType
		if s == StateRunningOperation {
			op = OperationOrder[r.opIdx]
		}
		r.p.Observer(s, op)
	}
}

// nextEnabled returns the index of the first enabled operation at or after i,
// or -1.
func (r *run) nextEnabled(i int) int {
	for ; i < len(OperationOrder); i++ {
		if r.req.Enabled(OperationOrder[i]) {
			return i
		}
	}
	return -1
}

func (r *run) advanceFrom(i int) {
	if next := r.nextEnabled(i); next >= 0 {
		r.opIdx = next
		r.transition(StateRunningOperation)
		return
	}
	r.transition(StateFinalizing)
}

func (r *run) fail(msg string) {
	r.log.Errors = append(r.log.Errors, msg)
	r.transition(StateFailed)
}

// drive steps the state machine to Done or Failed. A panic fails the run.
func (r *run) drive(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("night audit panicked", zap.Any("panic", rec), zap.String("state", r.state.String()))
			r.fail(fmt.Sprintf("panic while %s: %v", r.state, rec))
		}
	}()
	for r.state != StateDone && r.state != StateFailed {
		r.step(ctx)
	}
}

// step is the single controller that performs the work of the current state
// and moves to the next one.
func (r *run) step(ctx context.Context) {
	switch r.state {
	case StateIdle:
		r.transition(StateValidating)

	case StateValidating:
		report, err := r.p.Validate(ctx, r.rc.AuditDate)
		if err != nil {
			r.logger.Error("validation could not run", zap.Error(err))
			r.fail(err.Error())
			return
		}
		for _, w := range report.Warnings {
			r.log.Warnings = append(r.log.Warnings, w.Message)
		}
		if report.HasCritical() {
			for _, e := range report.Errors {
				r.log.Errors = append(r.log.Errors, e.Message)
			}
			r.logger.Warn("night audit blocked by validation", zap.Int("critical_issues", len(report.Errors)))
			r.transition(StateFailed)
			return
		}
		r.advanceFrom(0)

	case StateRunningOperation:
		r.runOperation(ctx, OperationOrder[r.opIdx])
		r.advanceFrom(r.opIdx + 1)

	case StateFinalizing:
		agg := &SummaryAggregator{
			Invoices:     r.p.Store,
			Folios:       r.p.Store,
			Reservations: r.p.Store,
			Rooms:        r.p.Store,
		}
		summary, err := agg.Aggregate(ctx, r.rc.Period)
		if err != nil {
			r.logger.Error("summary aggregation failed", zap.Error(err))
			r.fail(fmt.Sprintf("summary: %v", err))
			return
		}
		r.log.Summary = summary
		r.transition(StateDone)
	}
}

func (r *run) runOperation(ctx context.Context, t OperationType) {
	op := AuditOperation{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    OperationPending,
		StartedAt: r.p.now(),
	}

	res := r.execute(ctx, t)

	op.CompletedAt = r.p.now()
	op.Duration = op.CompletedAt.Sub(op.StartedAt)
	op.RecordsProcessed = res.Processed
	op.Details = res.Details
	op.Errors = res.Errors
	if res.Failed() {
		op.Status = OperationFailed
		op.Errors = append(op.Errors, res.Err.Error())
	} else {
		op.Status = OperationCompleted
	}
	r.log.Operations = append(r.log.Operations, op)

	switch t {
	case OpPostRoomCharges:
		r.log.RoomChargesPosted = res.Processed
	case OpGenerateInvoices:
		r.log.InvoicesGenerated = res.Processed
	case OpReconcilePayments:
		r.log.PaymentsReconciled = res.Processed
	case OpRotateInvoiceNumbers:
		r.log.SequencesRotated = res.Processed
	}

	fields := []zap.Field{
		zap.String("operation", string(t)),
		zap.String("status", string(op.Status)),
		zap.Int("records_processed", op.RecordsProcessed),
		zap.Int("errors", len(op.Errors)),
		zap.Duration("duration", op.Duration),
	}
	if res.Failed() {
		r.logger.Warn("operation failed", append(fields, zap.Error(res.Err))...)
	} else {
		r.logger.Info("operation completed", fields...)
	}

	if err := r.p.Store.SaveAudit(ctx, *r.log); err != nil {
		r.logger.Warn("persist audit progress", zap.Error(err))
	}
}

func (r *run) execute(ctx context.Context, t OperationType) (res OperationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = failed(t, fmt.Errorf("panic: %v", rec))
		}
	}()

	s := r.p.Store
	switch t {
	case OpPostRoomCharges:
		poster := &RoomChargePoster{Folios: s, Reservations: s, Rates: r.p.Rates}
		return poster.Post(ctx, r.rc)
	case OpGenerateInvoices:
		gen := &InvoiceGenerator{Folios: s, Reservations: s, Invoices: s, Sequences: s, Config: s}
		return gen.Generate(ctx, r.rc)
	case OpReconcilePayments:
		rec := &PaymentReconciler{Payments: s, Invoices: s}
		return rec.Reconcile(ctx, r.rc)
	case OpRotateInvoiceNumbers:
		rot := &SequenceRotator{Sequences: s}
		return rot.Rotate(ctx, r.rc)
	}
	return failed(t, fmt.Errorf("unknown operation"))
}
