/*
scenarios.go - Demo hotel loaders for testing and demonstrations

PURPOSE:

	Provides pre-built hotels that populate the database with realistic
	front-office data for one business day. Each scenario reports the audit
	date to run it with.

AVAILABLE SCENARIOS:

	typical-night:     In-house guests, two checkouts, a payment to reconcile
	year-end-rollover: Dec 31 audit that resets a yearly "INV-{YYYY}-" sequence
	festival-season:   Stacked season and event multipliers on the room rate
	broken-folios:     Orphan folio and missing folio; the run is blocked

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Apply a JSON hotel policy (taxes, service charge, seasons, numbering)
 3. Create rooms and reservations
 4. Open folios with front-office postings
 5. Optionally issue earlier invoices and record payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "typical-night"}

	POST /api/night-audit/runs
	{"audit_date": "2026-03-14", "started_by": "demo"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - audit/pipeline.go: What a run does with this data
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/factory"
	"github.com/warp/night-audit/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "typical-night",
		Name:        "Typical Night",
		Description: "Three in-house guests, two checkouts with F&B and extras, one payment to reconcile",
		AuditDate:   "2026-03-14",
	},
	{
		ID:          "year-end-rollover",
		Name:        "Year-End Rollover",
		Description: "Last audit of the year; the yearly INV-{YYYY}- sequence resets to 0",
		AuditDate:   "2025-12-31",
	},
	{
		ID:          "festival-season",
		Name:        "Festival Season",
		Description: "High season x1.2 and a festival x1.5 on suites, stacked",
		AuditDate:   "2026-08-08",
	},
	{
		ID:          "broken-folios",
		Name:        "Broken Folios",
		Description: "Orphan folio and an in-house guest without a folio; validation blocks the run",
		AuditDate:   "2026-03-14",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx, h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

const standardTaxes = `
	"taxes": [{"id": "vat", "name": "VAT", "rate": "10",
		"applies_to": ["room", "food-beverage", "extra", "service-charge"]}],
	"service_charge": {"rate": "5", "applies_to": ["food-beverage"]}`

var scenarioLoaders = map[string]func(context.Context, *sqlite.Store) error{
	"typical-night":     loadTypicalNight,
	"year-end-rollover": loadYearEndRollover,
	"festival-season":   loadFestivalSeason,
	"broken-folios":     loadBrokenFolios,
}

// =============================================================================
// SEEDER - Collects the first error so loaders read as a list of facts
// =============================================================================

type seeder struct {
	ctx   context.Context
	store *sqlite.Store
	date  time.Time
	err   error
}

func newSeeder(ctx context.Context, store *sqlite.Store, auditDate string) *seeder {
	d, err := audit.ParseDate(auditDate)
	return &seeder{ctx: ctx, store: store, date: d, err: err}
}

func (s *seeder) do(fn func() error) {
	if s.err == nil {
		s.err = fn()
	}
}

// policy applies a JSON hotel policy through the factory, as PUT
// /api/configuration does.
func (s *seeder) policy(jsonStr string) {
	s.do(func() error {
		p, err := factory.NewPolicyFactory().ParsePolicy(jsonStr)
		if err != nil {
			return err
		}
		return applyHotelPolicy(s.ctx, s.store, p, s.date)
	})
}

func (s *seeder) rooms(roomType string, status audit.RoomStatus, numbers ...string) {
	for _, n := range numbers {
		room := audit.Room{ID: audit.RoomID("room-" + n), Number: n, RoomType: roomType, Status: status}
		s.do(func() error { return s.store.SaveRoom(s.ctx, room) })
	}
}

// stay creates a reservation in room number and, unless status is confirmed,
// its folio. nights are relative to the audit date.
func (s *seeder) stay(id, guest, room, roomType, rate string, fromNight, toNight int, status audit.ReservationStatus, lines ...audit.FolioLine) {
	res := audit.Reservation{
		ID:        audit.ReservationID(id),
		GuestName: guest,
		RoomID:    audit.RoomID("room-" + room),
		RoomType:  roomType,
		CheckIn:   s.date.AddDate(0, 0, fromNight),
		CheckOut:  s.date.AddDate(0, 0, toNight),
		Status:    status,
		Rate:      audit.MustDecimal(rate),
	}
	s.do(func() error { return s.store.SaveReservation(s.ctx, res) })

	if status == audit.ReservationConfirmed || status == audit.ReservationCancelled {
		return
	}
	folio := audit.Folio{
		ID:            audit.FolioID("F-" + id),
		ReservationID: res.ID,
		Status:        audit.FolioOpen,
		Lines:         lines,
	}
	if status == audit.ReservationCheckedOut {
		folio.Status = audit.FolioClosed
	}
	s.do(func() error { return s.store.SaveFolio(s.ctx, folio) })
}

// post builds a front-office line dated night (relative to the audit date).
func (s *seeder) post(t audit.ChargeType, desc, amount string, night int) audit.FolioLine {
	date := s.date.AddDate(0, 0, night)
	return audit.FolioLine{
		ID:           uuid.NewString(),
		Type:         t,
		Description:  desc,
		Amount:       audit.MustDecimal(amount),
		BusinessDate: date,
		PostedAt:     date.Add(20 * time.Hour),
		PostedBy:     "front-desk",
		Source:       audit.SourceFrontOffice,
	}
}

// roomNights returns the room charges earlier night audits posted for each
// night in [from, to).
func (s *seeder) roomNights(rate string, from, to int) []audit.FolioLine {
	var lines []audit.FolioLine
	for n := from; n < to; n++ {
		l := s.post(audit.ChargeRoom, "Room charge", rate, n)
		l.PostedAt = l.BusinessDate.Add(26 * time.Hour)
		l.PostedBy = "night-audit-scheduler"
		l.Source = audit.SourceNightAudit
		lines = append(lines, l)
	}
	return lines
}

func (s *seeder) issue(seq audit.Sequence, invoices ...audit.Invoice) {
	s.do(func() error { return s.store.IssueInvoices(s.ctx, invoices, seq) })
}

func (s *seeder) payment(id, folio string, invoice audit.InvoiceID, amount string) {
	p := audit.Payment{
		ID:         audit.PaymentID(id),
		FolioID:    audit.FolioID(folio),
		InvoiceID:  invoice,
		Amount:     audit.MustDecimal(amount),
		Method:     "card",
		ReceivedAt: s.date.Add(11 * time.Hour),
	}
	s.do(func() error { return s.store.SavePayment(s.ctx, p) })
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadTypicalNight(ctx context.Context, store *sqlite.Store) error {
	s := newSeeder(ctx, store, "2026-03-14")
	s.policy(`{` + standardTaxes + `}`)
	s.rooms("standard", audit.RoomOccupied, "101", "102", "103")
	s.rooms("deluxe", audit.RoomVacant, "201", "202")
	s.rooms("deluxe", audit.RoomOutOfOrder, "203")

	// In-house tonight
	s.stay("R-1001", "Ana Moreau", "101", "standard", "120.00", -1, 2, audit.ReservationCheckedIn,
		s.roomNights("120.00", -1, 0)...)
	s.stay("R-1002", "Kenji Sato", "102", "standard", "110.00", 0, 3, audit.ReservationCheckedIn,
		s.post(audit.ChargeFoodBeverage, "Room service", "34.50", 0))
	s.stay("R-1003", "Priya Nair", "103", "standard", "115.00", -2, 1, audit.ReservationCheckedIn,
		s.roomNights("115.00", -2, 0)...)

	// Checking out today
	s.stay("R-0990", "Lars Berg", "201", "deluxe", "180.00", -2, 0, audit.ReservationCheckedOut,
		append(s.roomNights("180.00", -2, 0),
			s.post(audit.ChargeFoodBeverage, "Restaurant", "62.00", -1),
			s.post(audit.ChargeExtra, "Laundry", "18.00", -1),
			s.post(audit.ChargePayment, "Deposit", "150.00", -2))...)
	s.stay("R-0991", "Mia Costa", "202", "deluxe", "175.00", -1, 0, audit.ReservationCheckedOut,
		s.roomNights("175.00", -1, 0)...)

	// Yesterday's checkout, already invoiced; the payment arrived today
	s.stay("R-0980", "Tom Adler", "203", "deluxe", "160.00", -3, -1, audit.ReservationCheckedOut,
		s.roomNights("160.00", -3, -1)...)
	seq := audit.Sequence{
		ID:            "seq-guest-folio",
		Type:          audit.GuestFolioSequence,
		Prefix:        "INV-",
		CurrentNumber: 41,
		PaddingLength: 6,
		ResetPeriod:   audit.ResetYearly,
		IsActive:      true,
		PeriodStart:   audit.NewDate(2026, time.January, 1),
	}
	prev := audit.Invoice{
		ID:            "inv-000041",
		Number:        seq.Format(41),
		FolioID:       "F-R-0980",
		ReservationID: "R-0980",
		GuestName:     "Tom Adler",
		InvoiceDate:   s.date.AddDate(0, 0, -1),
		Lines: []audit.InvoiceLine{
			{Type: audit.ChargeRoom, Description: "Room charge", Amount: audit.MustDecimal("320.00")},
			{Type: audit.ChargeTax, Description: "VAT", Amount: audit.MustDecimal("32.00")},
		},
		RoomRevenue:         audit.MustDecimal("320.00"),
		FoodBeverageRevenue: audit.MustDecimal("0"),
		ExtraRevenue:        audit.MustDecimal("0"),
		Subtotal:            audit.MustDecimal("320.00"),
		ServiceCharge:       audit.MustDecimal("0"),
		TaxTotal:            audit.MustDecimal("32.00"),
		GrandTotal:          audit.MustDecimal("352.00"),
		AmountPaid:          audit.MustDecimal("0"),
		AmountDue:           audit.MustDecimal("352.00"),
		Status:              audit.InvoiceOpen,
		CreatedBy:           "night-audit-scheduler",
		CreatedAt:           s.date.Add(2 * time.Hour),
	}
	s.issue(seq, prev)
	s.payment("PAY-5001", "F-R-0980", prev.ID, "352.00")
	s.payment("PAY-5002", "F-R-0990", "", "150.00")

	return s.err
}

func loadYearEndRollover(ctx context.Context, store *sqlite.Store) error {
	s := newSeeder(ctx, store, "2025-12-31")
	s.policy(`{` + standardTaxes + `,
		"invoice_sequence": {"prefix_template": "INV-{YYYY}-", "padding_length": 5,
			"reset_period": "yearly", "start_number": 1287}}`)
	s.rooms("standard", audit.RoomOccupied, "101", "102")
	s.rooms("suite", audit.RoomVacant, "301")

	s.stay("R-2001", "Elena Petrova", "101", "standard", "140.00", -2, 3, audit.ReservationCheckedIn,
		s.roomNights("140.00", -2, 0)...)
	s.stay("R-2002", "Omar Haddad", "102", "standard", "140.00", -1, 1, audit.ReservationCheckedIn,
		s.roomNights("140.00", -1, 0)...)
	s.stay("R-1999", "Grace Kim", "301", "suite", "420.00", -3, 0, audit.ReservationCheckedOut,
		append(s.roomNights("420.00", -3, 0),
			s.post(audit.ChargeFoodBeverage, "New Year's Eve dinner", "240.00", 0))...)
	return s.err
}

func loadFestivalSeason(ctx context.Context, store *sqlite.Store) error {
	s := newSeeder(ctx, store, "2026-08-08")
	s.policy(`{` + standardTaxes + `,
		"rate_seasons": [
			{"name": "Summer high season", "from": "2026-07-01", "to": "2026-08-31", "multiplier": "1.2"},
			{"name": "Jazz festival", "room_type": "suite", "from": "2026-08-07", "to": "2026-08-09", "multiplier": "1.5"}]}`)
	s.rooms("standard", audit.RoomOccupied, "101")
	s.rooms("suite", audit.RoomOccupied, "301")

	s.stay("R-3001", "Noah Fischer", "101", "standard", "100.00", -1, 2, audit.ReservationCheckedIn,
		s.roomNights("120.00", -1, 0)...)
	s.stay("R-3002", "Sofia Rossi", "301", "suite", "300.00", 0, 3, audit.ReservationCheckedIn)
	return s.err
}

func loadBrokenFolios(ctx context.Context, store *sqlite.Store) error {
	s := newSeeder(ctx, store, "2026-03-14")
	s.policy(`{` + standardTaxes + `}`)
	s.rooms("standard", audit.RoomOccupied, "101", "102")

	s.stay("R-4001", "Jonas Weber", "101", "standard", "100.00", -1, 2, audit.ReservationCheckedIn,
		s.roomNights("100.00", -1, 0)...)

	// Checked in without a folio
	s.do(func() error {
		return s.store.SaveReservation(s.ctx, audit.Reservation{
			ID:        "R-4002",
			GuestName: "Chloe Martin",
			RoomID:    "room-102",
			RoomType:  "standard",
			CheckIn:   s.date,
			CheckOut:  s.date.AddDate(0, 0, 2),
			Status:    audit.ReservationCheckedIn,
			Rate:      audit.MustDecimal("100.00"),
		})
	})

	// Folio for a reservation that was deleted upstream
	s.do(func() error {
		return s.store.SaveFolio(s.ctx, audit.Folio{
			ID:            "F-R-3999",
			ReservationID: "R-3999",
			Status:        audit.FolioOpen,
			Lines:         []audit.FolioLine{s.post(audit.ChargeExtra, "Minibar", "12.00", -1)},
		})
	})
	return s.err
}
