/*
sequence.go - Invoice number sequences and their periodic reset

NUMBERING INVARIANT:
  Numbers issued within and across runs strictly increase and never repeat
  inside a reset period. The InvoiceGenerator reads the sequence once per
  run, increments it in memory, and persists it once together with the
  invoices. Every write carries the Version that was read, so a writer
  holding a stale snapshot fails with ErrConcurrentModification instead of
  issuing numbers twice.

RESET BOUNDARY:
  The night audit closes business day D and opens D+1. The rotator resets a
  sequence when the calendar period (day, month or year) containing D+1
  starts after the period the counter currently belongs to (PeriodStart).
  Closing 31 Dec therefore resets a yearly sequence so that the first
  invoice of 1 Jan is number 1 of the new year.

  A counter restarts only when the prefix names the new period: a yearly
  reset needs a year token, monthly needs year and month, daily needs all
  three. Otherwise the new period would reissue numbers already printed,
  so the counter keeps running. The default "INV-" sequence therefore
  never resets.

PREFIX TEMPLATES:
  PrefixTemplate may contain {YYYY}, {YY}, {MM} and {DD}; they are rendered
  from the period start on bootstrap and on every reset.
    "INV-{YYYY}-" -> "INV-2026-"
*/
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GuestFolioSequence is the sequence type that numbers checkout invoices.
const GuestFolioSequence = "guest-folio"

// Sequence numbers invoices as Prefix followed by a zero-padded counter.
type Sequence struct {
	ID             string
	Type           string
	Prefix         string
	PrefixTemplate string
	CurrentNumber  int64
	PaddingLength  int
	ResetPeriod    ResetPeriod
	IsActive       bool
	PeriodStart    time.Time
	Version        int64 // 0 = not persisted yet
}

// Format renders number n with this sequence's prefix and padding.
func (s Sequence) Format(n int64) string {
	return fmt.Sprintf("%s%0*d", s.Prefix, s.PaddingLength, n)
}

// BootstrapSequence creates the default guest-folio sequence: "INV-", counter
// 0, 6-digit padding, yearly reset.
func BootstrapSequence(date time.Time) Sequence {
	return Sequence{
		ID:            uuid.NewString(),
		Type:          GuestFolioSequence,
		Prefix:        "INV-",
		CurrentNumber: 0,
		PaddingLength: 6,
		ResetPeriod:   ResetYearly,
		IsActive:      true,
		PeriodStart:   ResetYearly.PeriodStart(date),
	}
}

// RenderPrefix substitutes date tokens in template.
func RenderPrefix(template string, date time.Time) string {
	r := strings.NewReplacer(
		"{YYYY}", fmt.Sprintf("%04d", date.Year()),
		"{YY}", fmt.Sprintf("%02d", date.Year()%100),
		"{MM}", fmt.Sprintf("%02d", int(date.Month())),
		"{DD}", fmt.Sprintf("%02d", date.Day()),
	)
	return r.Replace(template)
}

// NeedsReset reports whether closing auditDate crosses this sequence's reset
// boundary, and returns the start of the period being opened. A sequence
// whose template does not name the period never resets.
func (s Sequence) NeedsReset(auditDate time.Time) (bool, time.Time) {
	if !s.IsActive || s.ResetPeriod == ResetNever || !s.ResetPeriod.Valid() {
		return false, time.Time{}
	}
	if !PrefixNamesPeriod(s.PrefixTemplate, s.ResetPeriod) {
		return false, time.Time{}
	}
	next := s.ResetPeriod.PeriodStart(BusinessDate(auditDate).AddDate(0, 0, 1))
	if !next.After(s.PeriodStart) {
		return false, time.Time{}
	}
	return true, next
}

// PrefixNamesPeriod reports whether template renders a different prefix for
// every period of rp, so that restarting the counter cannot repeat a number.
func PrefixNamesPeriod(template string, rp ResetPeriod) bool {
	year := strings.Contains(template, "{YYYY}") || strings.Contains(template, "{YY}")
	month := strings.Contains(template, "{MM}")
	day := strings.Contains(template, "{DD}")
	switch rp {
	case ResetYearly:
		return year
	case ResetMonthly:
		return year && month
	case ResetDaily:
		return year && month && day
	}
	return false
}

// Reset returns the sequence moved into the period starting at start.
func (s Sequence) Reset(start time.Time) Sequence {
	s.CurrentNumber = 0
	s.PeriodStart = start
	if s.PrefixTemplate != "" {
		s.Prefix = RenderPrefix(s.PrefixTemplate, start)
	}
	return s
}

// =============================================================================
// SEQUENCE ROTATOR
// =============================================================================

// SequenceRotator restarts sequences whose reset period closes with the
// audited business day.
type SequenceRotator struct {
	Sequences SequenceStore
}

// Rotate resets every sequence that crosses its boundary on rc.AuditDate.
func (sr *SequenceRotator) Rotate(ctx context.Context, rc RunContext) OperationResult {
	seqs, err := sr.Sequences.ListSequences(ctx)
	if err != nil {
		return failed(OpRotateInvoiceNumbers, fmt.Errorf("load sequences: %w", err))
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].ID < seqs[j].ID })

	var res OperationResult
	var rotated []string
	for _, seq := range seqs {
		reset, start := seq.NeedsReset(rc.AuditDate)
		if !reset {
			continue
		}
		next := seq.Reset(start)
		if err := sr.Sequences.SaveSequence(ctx, next); err != nil {
			res.softError("sequence %s: %v", seq.ID, err)
			continue
		}
		rotated = append(rotated, fmt.Sprintf("%s:%s", seq.Type, FormatDate(start)))
	}

	res.Processed = len(rotated)
	res.Details = map[string]any{
		"sequencesChecked": len(seqs),
		"sequencesReset":   len(rotated),
		"rotated":          rotated,
	}
	return res
}
