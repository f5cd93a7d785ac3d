/*
Package sqlite provides a SQLite-backed implementation of the night audit ports.

PURPOSE:
  Implements audit.Store (and audit.RateCalendar) on SQLite. The same schema
  ports to PostgreSQL with only minor dialect differences.

INTERFACES IMPLEMENTED:
  audit.FolioStore, audit.ReservationReader, audit.RoomReader,
  audit.ConfigurationReader, audit.InvoiceStore, audit.SequenceStore,
  audit.PaymentStore, audit.AuditLogStore, audit.RateCalendar

APPEND-ONLY ENFORCEMENT:
  - folio_lines: INSERT only
  - invoices:    INSERT only, number and folio_id UNIQUE
  - audit_logs:  UPDATE only WHERE status = 'in-progress'
  - payments:    reconciled can only go from 0 to 1

KEY TABLES:
  rooms, reservations, folios:  Front-office inputs
  folio_lines:                  Append-only charge and credit lines
  invoices:                     One per checkout folio
  sequences:                    Invoice counters (optimistic version)
  payments:                     Settlements, reconciled monotonically
  tax_configurations,
  service_charge:               Precomputed rates
  rate_seasons:                 Season/event multipliers
  audit_logs:                   One row per night-audit run

INDEXES:
  - idx_unique_night_audit_charge: One night-audit line per (folio, date, type)
  - idx_one_active_sequence:       One active sequence per type
  - idx_one_audit_in_progress:     At most one in-progress run (the durable lock)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety inside one process. Across processes
  the unique indexes and version checks reject the second writer.

USAGE:
  store, err := sqlite.New("./data/night-audit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  p := audit.NewPipeline(store, audit.WithRates(store))

SEE ALSO:
  - audit/store.go: Interface definitions
  - audit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/night-audit/audit"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ audit.Store        = (*Store)(nil)
	_ audit.RateCalendar = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Front-office inputs
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		room_type TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		guest_name TEXT NOT NULL,
		room_id TEXT,
		room_type TEXT NOT NULL,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		status TEXT NOT NULL,
		rate TEXT NOT NULL
	);

	-- No foreign key to reservations: orphan folios must be visible to validation
	CREATE TABLE IF NOT EXISTS folios (
		id TEXT PRIMARY KEY,
		reservation_id TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_folios_reservation ON folios(reservation_id);

	-- Folio lines (append-only)
	CREATE TABLE IF NOT EXISTS folio_lines (
		id TEXT PRIMARY KEY,
		folio_id TEXT NOT NULL REFERENCES folios(id),
		charge_type TEXT NOT NULL,
		description TEXT,
		amount TEXT NOT NULL,
		business_date TEXT NOT NULL,
		posted_at TEXT NOT NULL,
		posted_by TEXT,
		source TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_folio_lines_folio ON folio_lines(folio_id);

	-- CRITICAL: The night audit charges a folio at most once per date and type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_night_audit_charge
		ON folio_lines(folio_id, business_date, charge_type)
		WHERE source = 'night-audit';

	-- Invoices (append-only)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		folio_id TEXT NOT NULL UNIQUE,
		reservation_id TEXT NOT NULL,
		guest_name TEXT,
		invoice_date TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		room_revenue TEXT NOT NULL,
		food_beverage_revenue TEXT NOT NULL,
		extra_revenue TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		service_charge TEXT NOT NULL,
		tax_total TEXT NOT NULL,
		grand_total TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_date ON invoices(invoice_date);

	-- Invoice number sequences
	CREATE TABLE IF NOT EXISTS sequences (
		id TEXT PRIMARY KEY,
		seq_type TEXT NOT NULL,
		prefix TEXT NOT NULL,
		prefix_template TEXT,
		current_number INTEGER NOT NULL,
		padding_length INTEGER NOT NULL,
		reset_period TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_sequence
		ON sequences(seq_type) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		folio_id TEXT,
		invoice_id TEXT,
		amount TEXT NOT NULL,
		method TEXT,
		received_at TEXT NOT NULL,
		reconciled INTEGER NOT NULL DEFAULT 0,
		reconciled_at TEXT,
		reconciled_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_reconciled ON payments(reconciled);

	-- Configuration
	CREATE TABLE IF NOT EXISTS tax_configurations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rate TEXT NOT NULL,
		applies_to_json TEXT NOT NULL,
		is_active INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS service_charge (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		rate TEXT NOT NULL,
		applies_to_json TEXT NOT NULL,
		is_active INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_seasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		room_type TEXT,
		date_from TEXT NOT NULL,
		date_to TEXT NOT NULL,
		multiplier TEXT NOT NULL
	);

	-- Night audit runs
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		audit_date TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL,
		started_by TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		room_charges_posted INTEGER NOT NULL DEFAULT 0,
		invoices_generated INTEGER NOT NULL DEFAULT 0,
		payments_reconciled INTEGER NOT NULL DEFAULT 0,
		sequences_rotated INTEGER NOT NULL DEFAULT 0,
		operations_json TEXT NOT NULL,
		summary_json TEXT,
		errors_json TEXT NOT NULL,
		warnings_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_date ON audit_logs(audit_date);

	-- CRITICAL: At most one run in progress
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_audit_in_progress
		ON audit_logs(status) WHERE status = 'in-progress';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// FRONT-OFFICE DATA (rooms, reservations, configuration)
// =============================================================================

// SaveRoom creates or updates a room.
func (s *Store) SaveRoom(ctx context.Context, r audit.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, number, room_type, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number, room_type = excluded.room_type, status = excluded.status
	`, r.ID, r.Number, r.RoomType, r.Status)
	return err
}

// ListRooms returns all rooms.
func (s *Store) ListRooms(ctx context.Context) ([]audit.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, number, room_type, status FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []audit.Room
	for rows.Next() {
		var r audit.Room
		if err := rows.Scan(&r.ID, &r.Number, &r.RoomType, &r.Status); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// SaveReservation creates or updates a reservation.
func (s *Store) SaveReservation(ctx context.Context, r audit.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, guest_name, room_id, room_type, check_in, check_out, status, rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			guest_name = excluded.guest_name,
			room_id = excluded.room_id,
			room_type = excluded.room_type,
			check_in = excluded.check_in,
			check_out = excluded.check_out,
			status = excluded.status,
			rate = excluded.rate
	`, r.ID, r.GuestName, nullString(string(r.RoomID)), r.RoomType,
		audit.FormatDate(r.CheckIn), audit.FormatDate(r.CheckOut), r.Status, r.Rate.String())
	return err
}

// ListReservations returns all reservations.
func (s *Store) ListReservations(ctx context.Context) ([]audit.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guest_name, room_id, room_type, check_in, check_out, status, rate
		FROM reservations ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []audit.Reservation
	for rows.Next() {
		var (
			r                 audit.Reservation
			roomID            sql.NullString
			checkIn, checkOut string
			rate              string
		)
		if err := rows.Scan(&r.ID, &r.GuestName, &roomID, &r.RoomType, &checkIn, &checkOut, &r.Status, &rate); err != nil {
			return nil, err
		}
		r.RoomID = audit.RoomID(roomID.String)
		r.CheckIn, _ = audit.ParseDate(checkIn)
		r.CheckOut, _ = audit.ParseDate(checkOut)
		r.Rate = parseDecimal(rate)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveTaxConfiguration upserts a tax rule.
func (s *Store) SaveTaxConfiguration(ctx context.Context, t audit.TaxConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tax_configurations (id, name, rate, applies_to_json, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, rate = excluded.rate,
			applies_to_json = excluded.applies_to_json, is_active = excluded.is_active
	`, t.ID, t.Name, t.Rate.String(), toJSON(t.AppliesTo), t.IsActive)
	return err
}

// ListTaxConfigurations returns active and inactive tax rules.
func (s *Store) ListTaxConfigurations(ctx context.Context) ([]audit.TaxConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rate, applies_to_json, is_active FROM tax_configurations ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax configurations: %w", err)
	}
	defer rows.Close()

	var out []audit.TaxConfiguration
	for rows.Next() {
		var t audit.TaxConfiguration
		var rate, appliesTo string
		if err := rows.Scan(&t.ID, &t.Name, &rate, &appliesTo, &t.IsActive); err != nil {
			return nil, err
		}
		t.Rate = parseDecimal(rate)
		if err := json.Unmarshal([]byte(appliesTo), &t.AppliesTo); err != nil {
			return nil, fmt.Errorf("tax %s applies_to: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetServiceChargeConfiguration replaces the service charge; nil removes it.
func (s *Store) SetServiceChargeConfiguration(ctx context.Context, sc *audit.ServiceChargeConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM service_charge`)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_charge (id, rate, applies_to_json, is_active) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rate = excluded.rate, applies_to_json = excluded.applies_to_json, is_active = excluded.is_active
	`, sc.Rate.String(), toJSON(sc.AppliesTo), sc.IsActive)
	return err
}

// ServiceChargeConfiguration returns nil when none is configured.
func (s *Store) ServiceChargeConfiguration(ctx context.Context) (*audit.ServiceChargeConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sc audit.ServiceChargeConfiguration
	var rate, appliesTo string
	err := s.db.QueryRowContext(ctx,
		`SELECT rate, applies_to_json, is_active FROM service_charge WHERE id = 1`,
	).Scan(&rate, &appliesTo, &sc.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc.Rate = parseDecimal(rate)
	if err := json.Unmarshal([]byte(appliesTo), &sc.AppliesTo); err != nil {
		return nil, fmt.Errorf("service charge applies_to: %w", err)
	}
	return &sc, nil
}

// =============================================================================
// RATE CALENDAR (audit.RateCalendar interface)
// =============================================================================

// SaveRateSeason adds a rate season.
func (s *Store) SaveRateSeason(ctx context.Context, rs audit.RateSeason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_seasons (name, room_type, date_from, date_to, multiplier)
		VALUES (?, ?, ?, ?, ?)
	`, rs.Name, nullString(rs.RoomType), audit.FormatDate(rs.From), audit.FormatDate(rs.To), rs.Multiplier.String())
	return err
}

// ReplaceRateSeasons swaps the whole rate calendar in one transaction.
func (s *Store) ReplaceRateSeasons(ctx context.Context, seasons []audit.RateSeason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_seasons`); err != nil {
		return err
	}
	for _, rs := range seasons {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_seasons (name, room_type, date_from, date_to, multiplier)
			VALUES (?, ?, ?, ?, ?)
		`, rs.Name, nullString(rs.RoomType), audit.FormatDate(rs.From), audit.FormatDate(rs.To), rs.Multiplier.String()); err != nil {
			return fmt.Errorf("failed to insert rate season %s: %w", rs.Name, err)
		}
	}
	return tx.Commit()
}

// ListRateSeasons returns the rate calendar ordered by start date.
func (s *Store) ListRateSeasons(ctx context.Context) ([]audit.RateSeason, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, room_type, date_from, date_to, multiplier FROM rate_seasons ORDER BY date_from, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate seasons: %w", err)
	}
	defer rows.Close()

	var out []audit.RateSeason
	for rows.Next() {
		var rs audit.RateSeason
		var roomType sql.NullString
		var from, to, multiplier string
		if err := rows.Scan(&rs.Name, &roomType, &from, &to, &multiplier); err != nil {
			return nil, err
		}
		rs.RoomType = roomType.String
		rs.From, _ = audit.ParseDate(from)
		rs.To, _ = audit.ParseDate(to)
		rs.Multiplier = parseDecimal(multiplier)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Multiplier applies every stored season covering date.
func (s *Store) Multiplier(ctx context.Context, roomType string, date time.Time) (decimal.Decimal, error) {
	seasons, err := s.ListRateSeasons(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return audit.SeasonCalendar{Seasons: seasons}.Multiplier(ctx, roomType, date)
}

// =============================================================================
// FOLIO STORE (audit.FolioStore interface)
// =============================================================================

// SaveFolio creates or updates a folio and appends any lines not stored yet.
func (s *Store) SaveFolio(ctx context.Context, f audit.Folio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO folios (id, reservation_id, status) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET reservation_id = excluded.reservation_id, status = excluded.status
	`, f.ID, f.ReservationID, f.Status); err != nil {
		return fmt.Errorf("failed to save folio: %w", err)
	}
	for _, l := range f.Lines {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM folio_lines WHERE id = ?`, l.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		if err := insertLine(ctx, tx, f.ID, l); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendCharge appends a line to an open folio.
func (s *Store) AppendCharge(ctx context.Context, folioID audit.FolioID, line audit.FolioLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM folios WHERE id = ?`, folioID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", audit.ErrFolioNotFound, folioID)
	}
	if err != nil {
		return err
	}
	if audit.FolioStatus(status) != audit.FolioOpen {
		return fmt.Errorf("folio %s is %s", folioID, status)
	}
	return insertLine(ctx, s.db, folioID, line)
}

func insertLine(ctx context.Context, q querier, folioID audit.FolioID, l audit.FolioLine) error {
	postedAt := l.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO folio_lines (id, folio_id, charge_type, description, amount, business_date,
			posted_at, posted_by, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, folioID, l.Type, l.Description, l.Amount.String(), audit.FormatDate(l.BusinessDate),
		formatTime(postedAt), l.PostedBy, l.Source)
	if err != nil {
		if isUniqueConstraintError(err) && l.Source == audit.SourceNightAudit {
			return audit.ErrDuplicateCharge
		}
		return fmt.Errorf("failed to append folio line: %w", err)
	}
	return nil
}

// ListFolios returns every folio with its lines.
func (s *Store) ListFolios(ctx context.Context) ([]audit.Folio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryFolios(ctx, `SELECT id, reservation_id, status FROM folios ORDER BY id`)
}

// GetFolio returns nil, nil when the folio does not exist.
func (s *Store) GetFolio(ctx context.Context, id audit.FolioID) (*audit.Folio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	folios, err := s.queryFolios(ctx, `SELECT id, reservation_id, status FROM folios WHERE id = ?`, id)
	if err != nil || len(folios) == 0 {
		return nil, err
	}
	return &folios[0], nil
}

func (s *Store) queryFolios(ctx context.Context, query string, args ...any) ([]audit.Folio, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folios: %w", err)
	}
	var folios []audit.Folio
	index := make(map[audit.FolioID]int)
	for rows.Next() {
		var f audit.Folio
		if err := rows.Scan(&f.ID, &f.ReservationID, &f.Status); err != nil {
			rows.Close()
			return nil, err
		}
		index[f.ID] = len(folios)
		folios = append(folios, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(folios) == 0 {
		return nil, nil
	}

	lines, err := s.db.QueryContext(ctx, `
		SELECT folio_id, id, charge_type, description, amount, business_date, posted_at, posted_by, source
		FROM folio_lines ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query folio lines: %w", err)
	}
	defer lines.Close()

	for lines.Next() {
		var (
			folioID                        audit.FolioID
			l                              audit.FolioLine
			description, postedBy          sql.NullString
			amount, businessDate, postedAt string
		)
		if err := lines.Scan(&folioID, &l.ID, &l.Type, &description, &amount, &businessDate,
			&postedAt, &postedBy, &l.Source); err != nil {
			return nil, err
		}
		i, ok := index[folioID]
		if !ok {
			continue
		}
		l.Description = description.String
		l.Amount = parseDecimal(amount)
		l.BusinessDate, _ = audit.ParseDate(businessDate)
		l.PostedAt = parseTime(postedAt)
		l.PostedBy = postedBy.String
		folios[i].Lines = append(folios[i].Lines, l)
	}
	return folios, lines.Err()
}

// =============================================================================
// INVOICE STORE (audit.InvoiceStore interface)
// =============================================================================

// IssueInvoices inserts invoices and advances the sequence in one transaction.
func (s *Store) IssueInvoices(ctx context.Context, invoices []audit.Invoice, seq audit.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, inv := range invoices {
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return err
		}
	}
	if err := writeSequence(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func insertInvoice(ctx context.Context, q querier, inv audit.Invoice) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO invoices (id, number, folio_id, reservation_id, guest_name, invoice_date, lines_json,
			room_revenue, food_beverage_revenue, extra_revenue, subtotal, service_charge, tax_total,
			grand_total, amount_paid, amount_due, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.Number, inv.FolioID, inv.ReservationID, inv.GuestName,
		formatTime(inv.InvoiceDate), toJSON(inv.Lines),
		inv.RoomRevenue.String(), inv.FoodBeverageRevenue.String(), inv.ExtraRevenue.String(),
		inv.Subtotal.String(), inv.ServiceCharge.String(), inv.TaxTotal.String(),
		inv.GrandTotal.String(), inv.AmountPaid.String(), inv.AmountDue.String(),
		inv.Status, inv.CreatedBy, formatTime(inv.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s (folio %s)", audit.ErrDuplicateInvoice, inv.Number, inv.FolioID)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

const invoiceColumns = `id, number, folio_id, reservation_id, guest_name, invoice_date, lines_json,
	room_revenue, food_beverage_revenue, extra_revenue, subtotal, service_charge, tax_total,
	grand_total, amount_paid, amount_due, status, created_by, created_at`

// GetInvoice returns nil when the invoice does not exist.
func (s *Store) GetInvoice(ctx context.Context, id audit.InvoiceID) (*audit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil || len(invoices) == 0 {
		return nil, err
	}
	return &invoices[0], nil
}

// InvoiceForFolio returns nil when the folio is not invoiced.
func (s *Store) InvoiceForFolio(ctx context.Context, folioID audit.FolioID) (*audit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE folio_id = ?`, folioID)
	if err != nil || len(invoices) == 0 {
		return nil, err
	}
	return &invoices[0], nil
}

// ListInvoices returns invoices dated in [from, to).
func (s *Store) ListInvoices(ctx context.Context, from, to time.Time) ([]audit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE invoice_date >= ? AND invoice_date < ?
		ORDER BY number
	`, formatTime(from), formatTime(to))
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]audit.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []audit.Invoice
	for rows.Next() {
		var (
			inv                                audit.Invoice
			guestName, createdBy               sql.NullString
			invoiceDate, linesJSON, createdAt  string
			room, fb, extra, subtotal, sc, tax string
			grand, paid, due                   string
		)
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.FolioID, &inv.ReservationID, &guestName,
			&invoiceDate, &linesJSON, &room, &fb, &extra, &subtotal, &sc, &tax,
			&grand, &paid, &due, &inv.Status, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.GuestName = guestName.String
		inv.CreatedBy = createdBy.String
		inv.InvoiceDate = parseTime(invoiceDate)
		inv.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(linesJSON), &inv.Lines); err != nil {
			return nil, fmt.Errorf("invoice %s lines: %w", inv.ID, err)
		}
		inv.RoomRevenue = parseDecimal(room)
		inv.FoodBeverageRevenue = parseDecimal(fb)
		inv.ExtraRevenue = parseDecimal(extra)
		inv.Subtotal = parseDecimal(subtotal)
		inv.ServiceCharge = parseDecimal(sc)
		inv.TaxTotal = parseDecimal(tax)
		inv.GrandTotal = parseDecimal(grand)
		inv.AmountPaid = parseDecimal(paid)
		inv.AmountDue = parseDecimal(due)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// =============================================================================
// SEQUENCE STORE (audit.SequenceStore interface)
// =============================================================================

const sequenceColumns = `id, seq_type, prefix, prefix_template, current_number, padding_length,
	reset_period, is_active, period_start, version`

// ActiveSequence returns nil when no sequence of seqType is active.
func (s *Store) ActiveSequence(ctx context.Context, seqType string) (*audit.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs, err := s.querySequences(ctx,
		`SELECT `+sequenceColumns+` FROM sequences WHERE seq_type = ? AND is_active = 1`, seqType)
	if err != nil || len(seqs) == 0 {
		return nil, err
	}
	return &seqs[0], nil
}

// ListSequences returns all sequences.
func (s *Store) ListSequences(ctx context.Context) ([]audit.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySequences(ctx, `SELECT `+sequenceColumns+` FROM sequences ORDER BY id`)
}

// SaveSequence writes seq when its Version matches the stored one.
func (s *Store) SaveSequence(ctx context.Context, seq audit.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeSequence(ctx, s.db, seq)
}

// writeSequence inserts a new sequence (Version 0) or updates one whose stored
// version still equals seq.Version. Either way the stored version advances.
func writeSequence(ctx context.Context, q querier, seq audit.Sequence) error {
	if seq.Version == 0 {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sequences (`+sequenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, seq.ID, seq.Type, seq.Prefix, nullString(seq.PrefixTemplate), seq.CurrentNumber,
			seq.PaddingLength, seq.ResetPeriod, seq.IsActive, formatTime(seq.PeriodStart))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: sequence %s already exists", audit.ErrConcurrentModification, seq.Type)
			}
			return fmt.Errorf("failed to insert sequence: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE sequences SET
			prefix = ?, prefix_template = ?, current_number = ?, padding_length = ?,
			reset_period = ?, is_active = ?, period_start = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, seq.Prefix, nullString(seq.PrefixTemplate), seq.CurrentNumber, seq.PaddingLength,
		seq.ResetPeriod, seq.IsActive, formatTime(seq.PeriodStart), seq.ID, seq.Version)
	if err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: sequence %s changed since version %d",
			audit.ErrConcurrentModification, seq.ID, seq.Version)
	}
	return nil
}

func (s *Store) querySequences(ctx context.Context, query string, args ...any) ([]audit.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var out []audit.Sequence
	for rows.Next() {
		var seq audit.Sequence
		var template sql.NullString
		var periodStart string
		if err := rows.Scan(&seq.ID, &seq.Type, &seq.Prefix, &template, &seq.CurrentNumber,
			&seq.PaddingLength, &seq.ResetPeriod, &seq.IsActive, &periodStart, &seq.Version); err != nil {
			return nil, err
		}
		seq.PrefixTemplate = template.String
		seq.PeriodStart = parseTime(periodStart)
		out = append(out, seq)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENT STORE (audit.PaymentStore interface)
// =============================================================================

// SavePayment creates or updates a payment. A reconciled payment stays
// reconciled.
func (s *Store) SavePayment(ctx context.Context, p audit.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, folio_id, invoice_id, amount, method, received_at,
			reconciled, reconciled_at, reconciled_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			folio_id = excluded.folio_id,
			invoice_id = excluded.invoice_id,
			amount = excluded.amount,
			method = excluded.method,
			received_at = excluded.received_at,
			reconciled = MAX(payments.reconciled, excluded.reconciled),
			reconciled_at = COALESCE(payments.reconciled_at, excluded.reconciled_at),
			reconciled_by = COALESCE(payments.reconciled_by, excluded.reconciled_by)
	`, p.ID, nullString(string(p.FolioID)), nullString(string(p.InvoiceID)), p.Amount.String(),
		p.Method, formatTime(p.ReceivedAt), p.Reconciled, nullTime(p.ReconciledAt), nullString(p.ReconciledBy))
	return err
}

// ListPayments returns all payments.
func (s *Store) ListPayments(ctx context.Context) ([]audit.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPayments(ctx, `
		SELECT id, folio_id, invoice_id, amount, method, received_at, reconciled, reconciled_at, reconciled_by
		FROM payments ORDER BY id
	`)
}

// ListUnreconciledPayments returns payments not yet reconciled.
func (s *Store) ListUnreconciledPayments(ctx context.Context) ([]audit.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPayments(ctx, `
		SELECT id, folio_id, invoice_id, amount, method, received_at, reconciled, reconciled_at, reconciled_by
		FROM payments WHERE reconciled = 0 ORDER BY id
	`)
}

// MarkReconciled only touches unreconciled rows, so the first reconciliation wins.
func (s *Store) MarkReconciled(ctx context.Context, id audit.PaymentID, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET reconciled = 1, reconciled_at = ?, reconciled_by = ?
		WHERE id = ? AND reconciled = 0
	`, formatTime(at), by, id)
	if err != nil {
		return fmt.Errorf("failed to reconcile payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE id = ?`, id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("payment %s not found", id)
		}
	}
	return nil
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]audit.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []audit.Payment
	for rows.Next() {
		var (
			p                              audit.Payment
			folioID, invoiceID, method, by sql.NullString
			amount, receivedAt             string
			reconciledAt                   sql.NullString
		)
		if err := rows.Scan(&p.ID, &folioID, &invoiceID, &amount, &method, &receivedAt,
			&p.Reconciled, &reconciledAt, &by); err != nil {
			return nil, err
		}
		p.FolioID = audit.FolioID(folioID.String)
		p.InvoiceID = audit.InvoiceID(invoiceID.String)
		p.Amount = parseDecimal(amount)
		p.Method = method.String
		p.ReceivedAt = parseTime(receivedAt)
		p.ReconciledBy = by.String
		if reconciledAt.Valid {
			t := parseTime(reconciledAt.String)
			p.ReconciledAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG STORE (audit.AuditLogStore interface)
// =============================================================================

const auditColumns = `id, audit_date, period_start, period_end, status, started_by, started_at,
	completed_at, room_charges_posted, invoices_generated, payments_reconciled, sequences_rotated,
	operations_json, summary_json, errors_json, warnings_json`

// BeginAudit inserts an in-progress log. The partial unique index on status
// rejects a second concurrent run.
func (s *Store) BeginAudit(ctx context.Context, log audit.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Status = audit.StatusInProgress
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_logs (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, auditArgs(log)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return audit.ErrAuditInProgress
		}
		return fmt.Errorf("failed to begin audit: %w", err)
	}
	return nil
}

// SaveAudit updates an in-progress log.
func (s *Store) SaveAudit(ctx context.Context, log audit.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Status = audit.StatusInProgress
	return s.updateAudit(ctx, log)
}

// FinalizeAudit writes the final state of a log once.
func (s *Store) FinalizeAudit(ctx context.Context, log audit.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !log.Status.IsFinal() {
		return fmt.Errorf("finalize audit %s with status %s", log.ID, log.Status)
	}
	return s.updateAudit(ctx, log)
}

// updateAudit rewrites an in-progress log. Finalized rows never match.
func (s *Store) updateAudit(ctx context.Context, log audit.AuditLog) error {
	args := auditArgs(log)
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs SET
			audit_date = ?, period_start = ?, period_end = ?, status = ?, started_by = ?, started_at = ?,
			completed_at = ?, room_charges_posted = ?, invoices_generated = ?, payments_reconciled = ?,
			sequences_rotated = ?, operations_json = ?, summary_json = ?, errors_json = ?, warnings_json = ?
		WHERE id = ? AND status = 'in-progress'
	`, append(args[1:], log.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update audit: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM audit_logs WHERE id = ?`, log.ID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", audit.ErrAuditNotFound, log.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", audit.ErrAuditFinalized, log.ID, status)
}

func auditArgs(log audit.AuditLog) []any {
	var summary sql.NullString
	if log.Summary != nil {
		summary = nullString(toJSON(log.Summary))
	}
	return []any{
		log.ID,
		audit.FormatDate(log.AuditDate),
		formatTime(log.Period.Start),
		formatTime(log.Period.End),
		log.Status,
		log.StartedBy,
		formatTime(log.StartedAt),
		nullTime(log.CompletedAt),
		log.RoomChargesPosted,
		log.InvoicesGenerated,
		log.PaymentsReconciled,
		log.SequencesRotated,
		toJSON(nonNil(log.Operations)),
		summary,
		toJSON(nonNil(log.Errors)),
		toJSON(nonNil(log.Warnings)),
	}
}

// GetAudit returns nil when the log does not exist.
func (s *Store) GetAudit(ctx context.Context, id string) (*audit.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs, err := s.queryAudits(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = ?`, id)
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}

// ListAudits returns matching logs, newest first.
func (s *Store) ListAudits(ctx context.Context, filter audit.AuditFilter) ([]audit.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.AuditDate != nil {
		where = append(where, "audit_date = ?")
		args = append(args, audit.FormatDate(*filter.AuditDate))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryAudits(ctx, query, args...)
}

// AbandonStaleAudits fails runs left in progress by a crashed process.
func (s *Store) AbandonStaleAudits(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.queryAudits(ctx, `SELECT `+auditColumns+` FROM audit_logs
		WHERE status = 'in-progress' AND started_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, err
	}
	for _, log := range stale {
		now := time.Now().UTC()
		log.Status = audit.StatusFailed
		log.CompletedAt = &now
		log.Errors = append(log.Errors, "abandoned: run did not finish")
		if err := s.updateAudit(ctx, log); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (s *Store) queryAudits(ctx context.Context, query string, args ...any) ([]audit.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []audit.AuditLog
	for rows.Next() {
		var (
			log                               audit.AuditLog
			auditDate, periodStart, periodEnd string
			startedBy                         sql.NullString
			startedAt                         string
			completedAt, summaryJSON          sql.NullString
			opsJSON, errorsJSON, warningsJSON string
		)
		if err := rows.Scan(&log.ID, &auditDate, &periodStart, &periodEnd, &log.Status, &startedBy,
			&startedAt, &completedAt, &log.RoomChargesPosted, &log.InvoicesGenerated,
			&log.PaymentsReconciled, &log.SequencesRotated, &opsJSON, &summaryJSON,
			&errorsJSON, &warningsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.AuditDate, _ = audit.ParseDate(auditDate)
		log.Period = audit.Period{Start: parseTime(periodStart), End: parseTime(periodEnd)}
		log.StartedBy = startedBy.String
		log.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			log.CompletedAt = &t
		}
		if err := errors.Join(
			json.Unmarshal([]byte(opsJSON), &log.Operations),
			json.Unmarshal([]byte(errorsJSON), &log.Errors),
			json.Unmarshal([]byte(warningsJSON), &log.Warnings),
		); err != nil {
			return nil, fmt.Errorf("audit log %s: %w", log.ID, err)
		}
		if summaryJSON.Valid {
			log.Summary = &audit.Summary{}
			if err := json.Unmarshal([]byte(summaryJSON.String), log.Summary); err != nil {
				return nil, fmt.Errorf("audit log %s summary: %w", log.ID, err)
			}
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// Reset clears all data from the database (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"folio_lines", "folios", "invoices", "payments", "sequences", "reservations", "rooms",
		"tax_configurations", "service_charge", "rate_seasons", "audit_logs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// nonNil keeps empty slices encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
