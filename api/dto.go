/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types keep the
  audit domain model out of the wire contract: money goes out as fixed
  two-decimal strings, dates as YYYY-MM-DD, timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Runs:
    RunAuditRequest, AuditLogDTO, AuditOperationDTO, SummaryDTO

  Validation:
    ValidationReportDTO, ValidationIssueDTO

  Invoices & sequences:
    InvoiceDTO, InvoiceLineDTO, SequenceDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request shape is declared with validator struct tags and checked by
  decodeRequest in handlers.go. Domain rules (future dates, known
  scenarios) stay in the handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - audit/log.go: AuditLog, AuditOperation, Summary
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/night-audit/audit"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RunAuditRequest starts a night audit. Omitted operation toggles default to
// enabled; an omitted date means yesterday's business day.
type RunAuditRequest struct {
	AuditDate            string `json:"audit_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	StartedBy            string `json:"started_by" validate:"required,max=100"`
	PostRoomCharges      *bool  `json:"post_room_charges,omitempty"`
	GenerateInvoices     *bool  `json:"generate_invoices,omitempty"`
	ReconcilePayments    *bool  `json:"reconcile_payments,omitempty"`
	RotateInvoiceNumbers *bool  `json:"rotate_invoice_numbers,omitempty"`
}

// LoadScenarioRequest selects a demo hotel.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AuditOperationDTO is one operation of a run.
type AuditOperationDTO struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	RecordsProcessed int            `json:"records_processed"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	DurationMS       int64          `json:"duration_ms"`
	Details          map[string]any `json:"details,omitempty"`
	Errors           []string       `json:"errors"`
}

// SummaryDTO is the revenue summary of a run.
type SummaryDTO struct {
	RoomRevenue         string `json:"room_revenue"`
	FoodBeverageRevenue string `json:"food_beverage_revenue"`
	ExtraRevenue        string `json:"extra_revenue"`
	TaxTotal            string `json:"tax_total"`
	ServiceCharge       string `json:"service_charge"`
	TotalRevenue        string `json:"total_revenue"`
	OutstandingBalance  string `json:"outstanding_balance"`
	InvoiceCount        int    `json:"invoice_count"`
	TotalRooms          int    `json:"total_rooms"`
	RoomsSold           int    `json:"rooms_sold"`
	OccupancyRate       string `json:"occupancy_rate"`
	ADR                 string `json:"adr"`
	RevPAR              string `json:"revpar"`
}

// AuditLogDTO is one night-audit run.
type AuditLogDTO struct {
	ID                 string              `json:"id"`
	AuditDate          string              `json:"audit_date"`
	PeriodStart        time.Time           `json:"period_start"`
	PeriodEnd          time.Time           `json:"period_end"`
	Status             string              `json:"status"`
	StartedBy          string              `json:"started_by"`
	StartedAt          time.Time           `json:"started_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	Operations         []AuditOperationDTO `json:"operations"`
	RoomChargesPosted  int                 `json:"room_charges_posted"`
	InvoicesGenerated  int                 `json:"invoices_generated"`
	PaymentsReconciled int                 `json:"payments_reconciled"`
	SequencesRotated   int                 `json:"sequences_rotated"`
	Summary            *SummaryDTO         `json:"summary,omitempty"`
	Errors             []string            `json:"errors"`
	Warnings           []string            `json:"warnings"`
}

// ValidationIssueDTO is one pre-flight finding.
type ValidationIssueDTO struct {
	Code           string `json:"code"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	EntityID       string `json:"entity_id,omitempty"`
	RequiresAction bool   `json:"requires_action"`
}

// ValidationReportDTO is the dry-run result for a date.
type ValidationReportDTO struct {
	AuditDate string               `json:"audit_date"`
	CanRun    bool                 `json:"can_run"`
	Errors    []ValidationIssueDTO `json:"errors"`
	Warnings  []ValidationIssueDTO `json:"warnings"`
}

// InvoiceLineDTO is one invoice line.
type InvoiceLineDTO struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// InvoiceDTO is an issued invoice.
type InvoiceDTO struct {
	ID                  string           `json:"id"`
	Number              string           `json:"number"`
	FolioID             string           `json:"folio_id"`
	ReservationID       string           `json:"reservation_id"`
	GuestName           string           `json:"guest_name"`
	InvoiceDate         string           `json:"invoice_date"`
	Lines               []InvoiceLineDTO `json:"lines"`
	RoomRevenue         string           `json:"room_revenue"`
	FoodBeverageRevenue string           `json:"food_beverage_revenue"`
	ExtraRevenue        string           `json:"extra_revenue"`
	Subtotal            string           `json:"subtotal"`
	ServiceCharge       string           `json:"service_charge"`
	TaxTotal            string           `json:"tax_total"`
	GrandTotal          string           `json:"grand_total"`
	AmountPaid          string           `json:"amount_paid"`
	AmountDue           string           `json:"amount_due"`
	Status              string           `json:"status"`
	CreatedBy           string           `json:"created_by"`
	CreatedAt           time.Time        `json:"created_at"`
}

// SequenceDTO is an invoice number sequence with its next number.
type SequenceDTO struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Prefix         string `json:"prefix"`
	PrefixTemplate string `json:"prefix_template,omitempty"`
	CurrentNumber  int64  `json:"current_number"`
	NextNumber     string `json:"next_number"`
	PaddingLength  int    `json:"padding_length"`
	ResetPeriod    string `json:"reset_period"`
	IsActive       bool   `json:"is_active"`
	PeriodStart    string `json:"period_start"`
	Version        int64  `json:"version"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AuditDate   string `json:"audit_date"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toAuditLogDTO(l audit.AuditLog) AuditLogDTO {
	ops := make([]AuditOperationDTO, 0, len(l.Operations))
	for _, op := range l.Operations {
		ops = append(ops, AuditOperationDTO{
			ID:               op.ID,
			Type:             string(op.Type),
			Status:           string(op.Status),
			RecordsProcessed: op.RecordsProcessed,
			StartedAt:        op.StartedAt,
			CompletedAt:      op.CompletedAt,
			DurationMS:       op.Duration.Milliseconds(),
			Details:          op.Details,
			Errors:           nonNilStrings(op.Errors),
		})
	}

	dto := AuditLogDTO{
		ID:                 l.ID,
		AuditDate:          audit.FormatDate(l.AuditDate),
		PeriodStart:        l.Period.Start,
		PeriodEnd:          l.Period.End,
		Status:             string(l.Status),
		StartedBy:          l.StartedBy,
		StartedAt:          l.StartedAt,
		CompletedAt:        l.CompletedAt,
		Operations:         ops,
		RoomChargesPosted:  l.RoomChargesPosted,
		InvoicesGenerated:  l.InvoicesGenerated,
		PaymentsReconciled: l.PaymentsReconciled,
		SequencesRotated:   l.SequencesRotated,
		Errors:             nonNilStrings(l.Errors),
		Warnings:           nonNilStrings(l.Warnings),
	}
	if s := l.Summary; s != nil {
		dto.Summary = &SummaryDTO{
			RoomRevenue:         money(s.RoomRevenue),
			FoodBeverageRevenue: money(s.FoodBeverageRevenue),
			ExtraRevenue:        money(s.ExtraRevenue),
			TaxTotal:            money(s.TaxTotal),
			ServiceCharge:       money(s.ServiceCharge),
			TotalRevenue:        money(s.TotalRevenue),
			OutstandingBalance:  money(s.OutstandingBalance),
			InvoiceCount:        s.InvoiceCount,
			TotalRooms:          s.TotalRooms,
			RoomsSold:           s.RoomsSold,
			OccupancyRate:       money(s.OccupancyRate),
			ADR:                 money(s.ADR),
			RevPAR:              money(s.RevPAR),
		}
	}
	return dto
}

func toIssueDTOs(issues []audit.ValidationIssue) []ValidationIssueDTO {
	out := make([]ValidationIssueDTO, 0, len(issues))
	for _, i := range issues {
		out = append(out, ValidationIssueDTO{
			Code:           i.Code,
			Severity:       string(i.Severity),
			Message:        i.Message,
			EntityID:       i.EntityID,
			RequiresAction: i.RequiresAction,
		})
	}
	return out
}

func toValidationReportDTO(date time.Time, r audit.ValidationReport) ValidationReportDTO {
	return ValidationReportDTO{
		AuditDate: audit.FormatDate(date),
		CanRun:    !r.HasCritical(),
		Errors:    toIssueDTOs(r.Errors),
		Warnings:  toIssueDTOs(r.Warnings),
	}
}

func toInvoiceDTO(inv audit.Invoice) InvoiceDTO {
	lines := make([]InvoiceLineDTO, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, InvoiceLineDTO{
			Type:        string(l.Type),
			Description: l.Description,
			Amount:      money(l.Amount),
		})
	}
	return InvoiceDTO{
		ID:                  string(inv.ID),
		Number:              inv.Number,
		FolioID:             string(inv.FolioID),
		ReservationID:       string(inv.ReservationID),
		GuestName:           inv.GuestName,
		InvoiceDate:         audit.FormatDate(inv.InvoiceDate),
		Lines:               lines,
		RoomRevenue:         money(inv.RoomRevenue),
		FoodBeverageRevenue: money(inv.FoodBeverageRevenue),
		ExtraRevenue:        money(inv.ExtraRevenue),
		Subtotal:            money(inv.Subtotal),
		ServiceCharge:       money(inv.ServiceCharge),
		TaxTotal:            money(inv.TaxTotal),
		GrandTotal:          money(inv.GrandTotal),
		AmountPaid:          money(inv.AmountPaid),
		AmountDue:           money(inv.AmountDue),
		Status:              string(inv.Status),
		CreatedBy:           inv.CreatedBy,
		CreatedAt:           inv.CreatedAt,
	}
}

func toSequenceDTO(s audit.Sequence) SequenceDTO {
	return SequenceDTO{
		ID:             s.ID,
		Type:           s.Type,
		Prefix:         s.Prefix,
		PrefixTemplate: s.PrefixTemplate,
		CurrentNumber:  s.CurrentNumber,
		NextNumber:     s.Format(s.CurrentNumber + 1),
		PaddingLength:  s.PaddingLength,
		ResetPeriod:    string(s.ResetPeriod),
		IsActive:       s.IsActive,
		PeriodStart:    audit.FormatDate(s.PeriodStart),
		Version:        s.Version,
	}
}
