// Package store provides in-memory implementations of the audit ports.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/night-audit/audit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements audit.Store in memory.
type Memory struct {
	mu sync.RWMutex

	rooms         map[audit.RoomID]audit.Room
	reservations  map[audit.ReservationID]audit.Reservation
	folios        map[audit.FolioID]audit.Folio
	chargeKeys    map[audit.ChargeKey]bool
	invoices      map[audit.InvoiceID]audit.Invoice
	sequences     map[string]audit.Sequence
	payments      map[audit.PaymentID]audit.Payment
	taxes         map[string]audit.TaxConfiguration
	serviceCharge *audit.ServiceChargeConfiguration
	audits        map[string]audit.AuditLog
}

var _ audit.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		rooms:        make(map[audit.RoomID]audit.Room),
		reservations: make(map[audit.ReservationID]audit.Reservation),
		folios:       make(map[audit.FolioID]audit.Folio),
		chargeKeys:   make(map[audit.ChargeKey]bool),
		invoices:     make(map[audit.InvoiceID]audit.Invoice),
		sequences:    make(map[string]audit.Sequence),
		payments:     make(map[audit.PaymentID]audit.Payment),
		taxes:        make(map[string]audit.TaxConfiguration),
		audits:       make(map[string]audit.AuditLog),
	}
}

// =============================================================================
// SEEDING - Front-office data owned outside the engine
// =============================================================================

func (m *Memory) SaveRoom(_ context.Context, r audit.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r
	return nil
}

func (m *Memory) SaveReservation(_ context.Context, r audit.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
	return nil
}

// SaveFolio stores a folio with its lines, replacing any previous version.
func (m *Memory) SaveFolio(_ context.Context, f audit.Folio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chargeKeys {
		if k.FolioID == f.ID {
			delete(m.chargeKeys, k)
		}
	}
	for _, l := range f.Lines {
		if l.Source == audit.SourceNightAudit {
			m.chargeKeys[audit.NewChargeKey(f.ID, l.BusinessDate, l.Type)] = true
		}
	}
	m.folios[f.ID] = copyFolio(f)
	return nil
}

func (m *Memory) SavePayment(_ context.Context, p audit.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.payments[p.ID]; ok && existing.Reconciled && !p.Reconciled {
		// Reconciliation is monotonic.
		p.Reconciled, p.ReconciledAt, p.ReconciledBy = true, existing.ReconciledAt, existing.ReconciledBy
	}
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) SaveTaxConfiguration(_ context.Context, t audit.TaxConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxes[t.ID] = t
	return nil
}

func (m *Memory) SetServiceChargeConfiguration(_ context.Context, sc *audit.ServiceChargeConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCharge = sc
	return nil
}

// DeleteInvoice removes an invoice. It exists to simulate data owned outside
// the engine disappearing; the engine itself never deletes invoices.
func (m *Memory) DeleteInvoice(_ context.Context, id audit.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invoices, id)
	return nil
}

// =============================================================================
// READERS
// =============================================================================

func (m *Memory) ListRooms(_ context.Context) ([]audit.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListReservations(_ context.Context) ([]audit.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListTaxConfigurations(_ context.Context) ([]audit.TaxConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.TaxConfiguration, 0, len(m.taxes))
	for _, t := range m.taxes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ServiceChargeConfiguration(_ context.Context) (*audit.ServiceChargeConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.serviceCharge == nil {
		return nil, nil
	}
	sc := *m.serviceCharge
	return &sc, nil
}

// =============================================================================
// FOLIOS
// =============================================================================

func (m *Memory) ListFolios(_ context.Context) ([]audit.Folio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Folio, 0, len(m.folios))
	for _, f := range m.folios {
		out = append(out, copyFolio(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetFolio(_ context.Context, id audit.FolioID) (*audit.Folio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folios[id]
	if !ok {
		return nil, nil
	}
	c := copyFolio(f)
	return &c, nil
}

// AppendCharge appends a line. Append-only.
func (m *Memory) AppendCharge(_ context.Context, folioID audit.FolioID, line audit.FolioLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.folios[folioID]
	if !ok {
		return fmt.Errorf("%w: %s", audit.ErrFolioNotFound, folioID)
	}
	if !f.IsOpen() {
		return fmt.Errorf("folio %s is %s", folioID, f.Status)
	}
	if line.Source == audit.SourceNightAudit {
		k := audit.NewChargeKey(folioID, line.BusinessDate, line.Type)
		if m.chargeKeys[k] {
			return audit.ErrDuplicateCharge
		}
		m.chargeKeys[k] = true
	}
	f.Lines = append(append([]audit.FolioLine{}, f.Lines...), line)
	m.folios[folioID] = f
	return nil
}

// =============================================================================
// INVOICES & SEQUENCES
// =============================================================================

// IssueInvoices stores invoices and seq together, or nothing.
func (m *Memory) IssueInvoices(_ context.Context, invoices []audit.Invoice, seq audit.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything first (atomic check)
	if err := m.checkSequenceLocked(seq); err != nil {
		return err
	}
	numbers := make(map[string]bool)
	folios := make(map[audit.FolioID]bool)
	for _, inv := range m.invoices {
		numbers[inv.Number] = true
		folios[inv.FolioID] = true
	}
	for _, inv := range invoices {
		if numbers[inv.Number] {
			return fmt.Errorf("%w: number %s", audit.ErrDuplicateInvoice, inv.Number)
		}
		if folios[inv.FolioID] {
			return fmt.Errorf("%w: folio %s already invoiced", audit.ErrDuplicateInvoice, inv.FolioID)
		}
		numbers[inv.Number] = true
		folios[inv.FolioID] = true
	}

	// Write all (atomic write)
	for _, inv := range invoices {
		m.invoices[inv.ID] = copyInvoice(inv)
	}
	m.writeSequenceLocked(seq)
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id audit.InvoiceID) (*audit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	c := copyInvoice(inv)
	return &c, nil
}

func (m *Memory) InvoiceForFolio(_ context.Context, folioID audit.FolioID) (*audit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices {
		if inv.FolioID == folioID {
			c := copyInvoice(inv)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListInvoices(_ context.Context, from, to time.Time) ([]audit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.Invoice
	for _, inv := range m.invoices {
		if !inv.InvoiceDate.Before(from) && inv.InvoiceDate.Before(to) {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) ActiveSequence(_ context.Context, seqType string) (*audit.Sequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sequences {
		if s.Type == seqType && s.IsActive {
			c := s
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSequences(_ context.Context) ([]audit.Sequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Sequence, 0, len(m.sequences))
	for _, s := range m.sequences {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSequence writes seq when its Version matches.
func (m *Memory) SaveSequence(_ context.Context, seq audit.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkSequenceLocked(seq); err != nil {
		return err
	}
	m.writeSequenceLocked(seq)
	return nil
}

// checkSequenceLocked enforces the optimistic version and, for a new
// sequence, that no other active sequence of the same type exists.
func (m *Memory) checkSequenceLocked(seq audit.Sequence) error {
	stored, ok := m.sequences[seq.ID]
	if !ok {
		if seq.Version != 0 {
			return fmt.Errorf("%w: sequence %s not found", audit.ErrConcurrentModification, seq.ID)
		}
		if seq.IsActive {
			for _, s := range m.sequences {
				if s.Type == seq.Type && s.IsActive {
					return fmt.Errorf("%w: active %s sequence already exists", audit.ErrConcurrentModification, seq.Type)
				}
			}
		}
		return nil
	}
	if stored.Version != seq.Version {
		return fmt.Errorf("%w: sequence %s at version %d, have %d",
			audit.ErrConcurrentModification, seq.ID, stored.Version, seq.Version)
	}
	return nil
}

func (m *Memory) writeSequenceLocked(seq audit.Sequence) {
	seq.Version++
	m.sequences[seq.ID] = seq
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) ListPayments(_ context.Context) ([]audit.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUnreconciledPayments(ctx context.Context) ([]audit.Payment, error) {
	all, _ := m.ListPayments(ctx)
	var out []audit.Payment
	for _, p := range all {
		if !p.Reconciled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) MarkReconciled(_ context.Context, id audit.PaymentID, at time.Time, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("payment %s not found", id)
	}
	if p.Reconciled {
		return nil
	}
	p.Reconciled = true
	p.ReconciledAt = &at
	p.ReconciledBy = by
	m.payments[id] = p
	return nil
}

// =============================================================================
// AUDIT LOGS
// =============================================================================

// BeginAudit refuses while any log is in progress.
func (m *Memory) BeginAudit(_ context.Context, log audit.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.audits {
		if l.Status == audit.StatusInProgress {
			return fmt.Errorf("%w: %s started %s", audit.ErrAuditInProgress, l.ID, l.StartedAt.Format(time.RFC3339))
		}
	}
	log.Status = audit.StatusInProgress
	m.audits[log.ID] = copyAudit(log)
	return nil
}

func (m *Memory) SaveAudit(_ context.Context, log audit.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWritableLocked(log.ID); err != nil {
		return err
	}
	log.Status = audit.StatusInProgress
	m.audits[log.ID] = copyAudit(log)
	return nil
}

// FinalizeAudit writes the final state once.
func (m *Memory) FinalizeAudit(_ context.Context, log audit.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !log.Status.IsFinal() {
		return fmt.Errorf("finalize audit %s with status %s", log.ID, log.Status)
	}
	if err := m.checkWritableLocked(log.ID); err != nil {
		return err
	}
	m.audits[log.ID] = copyAudit(log)
	return nil
}

func (m *Memory) checkWritableLocked(id string) error {
	existing, ok := m.audits[id]
	if !ok {
		return fmt.Errorf("%w: %s", audit.ErrAuditNotFound, id)
	}
	if existing.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", audit.ErrAuditFinalized, id, existing.Status)
	}
	return nil
}

func (m *Memory) GetAudit(_ context.Context, id string) (*audit.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.audits[id]
	if !ok {
		return nil, nil
	}
	c := copyAudit(l)
	return &c, nil
}

// ListAudits returns matching logs, newest first.
func (m *Memory) ListAudits(_ context.Context, filter audit.AuditFilter) ([]audit.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.AuditLog
	for _, l := range m.audits {
		if filter.AuditDate != nil && !audit.SameDay(l.AuditDate, *filter.AuditDate) {
			continue
		}
		if filter.Status != nil && l.Status != *filter.Status {
			continue
		}
		out = append(out, copyAudit(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AbandonStaleAudits fails in-progress logs started before olderThan.
func (m *Memory) AbandonStaleAudits(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.audits {
		if l.Status == audit.StatusInProgress && l.StartedAt.Before(olderThan) {
			now := time.Now().UTC()
			l.Status = audit.StatusFailed
			l.CompletedAt = &now
			l.Errors = append(append([]string{}, l.Errors...), "abandoned: run did not finish")
			m.audits[id] = l
			n++
		}
	}
	return n, nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyFolio(f audit.Folio) audit.Folio {
	f.Lines = append([]audit.FolioLine(nil), f.Lines...)
	return f
}

func copyInvoice(inv audit.Invoice) audit.Invoice {
	inv.Lines = append([]audit.InvoiceLine(nil), inv.Lines...)
	return inv
}

func copyAudit(l audit.AuditLog) audit.AuditLog {
	ops := make([]audit.AuditOperation, len(l.Operations))
	for i, op := range l.Operations {
		op.Errors = append([]string(nil), op.Errors...)
		if op.Details != nil {
			d := make(map[string]any, len(op.Details))
			for k, v := range op.Details {
				d[k] = v
			}
			op.Details = d
		}
		ops[i] = op
	}
	l.Operations = ops
	l.Errors = append([]string(nil), l.Errors...)
	l.Warnings = append([]string(nil), l.Warnings...)
	if l.Summary != nil {
		s := *l.Summary
		l.Summary = &s
	}
	return l
}
