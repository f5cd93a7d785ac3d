package audit

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// VALIDATION ISSUES
// =============================================================================

// Severity decides whether an issue blocks the run.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ValidationIssue is one finding of the pre-flight check.
type ValidationIssue struct {
	Code           string
	Severity       Severity
	Message        string
	EntityID       string
	RequiresAction bool
}

const (
	IssueOrphanFolio     = "orphan-folio"
	IssueMissingFolio    = "missing-folio"
	IssueDuplicateFolio  = "duplicate-folio"
	IssueUnknownRoom     = "unknown-room"
	IssueOverdueCheckout = "overdue-checkout"
	IssueZeroRate        = "zero-rate"
)

// ValidationReport groups issues by severity.
type ValidationReport struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// HasCritical reports whether the run must be blocked.
func (r ValidationReport) HasCritical() bool { return len(r.Errors) > 0 }

// Err returns a *ValidationError when the report has critical issues.
func (r ValidationReport) Err() error {
	if !r.HasCritical() {
		return nil
	}
	return &ValidationError{Issues: r.Errors}
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator checks referential integrity before anything is posted. Financial
// postings never proceed over structurally inconsistent folios.
type Validator struct{}

// Validate checks folio and reservation consistency for auditDate.
func (Validator) Validate(auditDate time.Time, folios []Folio, reservations []Reservation, rooms []Room) ValidationReport {
	var report ValidationReport
	critical := func(code, entity, format string, args ...any) {
		report.Errors = append(report.Errors, ValidationIssue{
			Code: code, Severity: SeverityCritical, EntityID: entity,
			Message: fmt.Sprintf(format, args...), RequiresAction: true,
		})
	}
	warn := func(code, entity string, action bool, format string, args ...any) {
		report.Warnings = append(report.Warnings, ValidationIssue{
			Code: code, Severity: SeverityWarning, EntityID: entity,
			Message: fmt.Sprintf(format, args...), RequiresAction: action,
		})
	}

	byID := make(map[ReservationID]Reservation, len(reservations))
	for _, r := range reservations {
		byID[r.ID] = r
	}
	roomIDs := make(map[RoomID]bool, len(rooms))
	for _, r := range rooms {
		roomIDs[r.ID] = true
	}

	openFolios := make(map[ReservationID][]FolioID)
	for _, f := range folios {
		if _, ok := byID[f.ReservationID]; !ok {
			critical(IssueOrphanFolio, string(f.ID),
				"folio %s references unknown reservation %s", f.ID, f.ReservationID)
			continue
		}
		if f.IsOpen() {
			openFolios[f.ReservationID] = append(openFolios[f.ReservationID], f.ID)
		}
	}

	// Deterministic order for reports.
	resIDs := make([]ReservationID, 0, len(openFolios))
	for id := range openFolios {
		resIDs = append(resIDs, id)
	}
	sort.Slice(resIDs, func(i, j int) bool { return resIDs[i] < resIDs[j] })
	for _, id := range resIDs {
		if ids := openFolios[id]; len(ids) > 1 {
			critical(IssueDuplicateFolio, string(id),
				"reservation %s has %d open folios %v", id, len(ids), ids)
		}
	}

	day := BusinessDate(auditDate)
	for _, r := range reservations {
		if r.Status != ReservationCheckedIn {
			continue
		}
		if len(openFolios[r.ID]) == 0 {
			critical(IssueMissingFolio, string(r.ID),
				"checked-in reservation %s (%s) has no open folio", r.ID, r.GuestName)
		}
		if r.RoomID != "" && len(rooms) > 0 && !roomIDs[r.RoomID] {
			warn(IssueUnknownRoom, string(r.ID), false,
				"reservation %s references unknown room %s", r.ID, r.RoomID)
		}
		if BusinessDate(r.CheckOut).Before(day) {
			warn(IssueOverdueCheckout, string(r.ID), true,
				"reservation %s was due to check out on %s", r.ID, FormatDate(r.CheckOut))
		}
		if r.InHouseOn(day) && !r.Rate.IsPositive() {
			warn(IssueZeroRate, string(r.ID), true,
				"in-house reservation %s has rate %s", r.ID, r.Rate.StringFixed(2))
		}
	}

	return report
}
