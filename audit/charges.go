/*
charges.go - Nightly room charge posting

PURPOSE:
  For every guest staying tonight, post one night's room charge onto the
  stay's open folio: base rate x season/event multiplier.

IDEMPOTENCY:
  A night-audit charge is keyed by (folio, business date, charge type).
  Re-running the audit for a date that was already charged skips the folio
  instead of posting twice. The key is checked against the loaded folio and
  enforced again by the store (ErrDuplicateCharge), so a charge posted by a
  concurrent writer between the read and the append is also skipped.

FAILURE ISOLATION:
  A failure on one folio is recorded and the poster moves on. Lines already
  posted in this operation stay posted; there is no rollback.
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoomChargePoster posts one room-night charge per in-house stay.
type RoomChargePoster struct {
	Folios       FolioStore
	Reservations ReservationReader
	Rates        RateCalendar
}

// Post charges every guest in house on rc.AuditDate. A charge already
// posted for the night is skipped.
func (p *RoomChargePoster) Post(ctx context.Context, rc RunContext) OperationResult {
	reservations, err := p.Reservations.ListReservations(ctx)
	if err != nil {
		return failed(OpPostRoomCharges, fmt.Errorf("load reservations: %w", err))
	}
	folios, err := p.Folios.ListFolios(ctx)
	if err != nil {
		return failed(OpPostRoomCharges, fmt.Errorf("load folios: %w", err))
	}

	rates := p.Rates
	if rates == nil {
		rates = SeasonCalendar{}
	}

	openFolio := make(map[ReservationID]Folio)
	for _, f := range folios {
		if _, seen := openFolio[f.ReservationID]; !seen && f.IsOpen() {
			openFolio[f.ReservationID] = f
		}
	}

	sort.Slice(reservations, func(i, j int) bool { return reservations[i].ID < reservations[j].ID })

	var res OperationResult
	posted, skipped, attempted := 0, 0, 0
	total := decimal.Zero

	for _, r := range reservations {
		if !r.InHouseOn(rc.AuditDate) {
			continue
		}
		folio, ok := openFolio[r.ID]
		if !ok {
			attempted++
			res.softError("reservation %s: no open folio", r.ID)
			continue
		}
		if folio.HasNightAuditCharge(rc.AuditDate, ChargeRoom) {
			skipped++
			continue
		}
		attempted++

		multiplier, err := rates.Multiplier(ctx, r.RoomType, rc.AuditDate)
		if err != nil {
			res.softError("folio %s: rate multiplier: %v", folio.ID, err)
			continue
		}
		amount := RoundMoney(r.Rate.Mul(multiplier))

		line := FolioLine{
			ID:           uuid.NewString(),
			Type:         ChargeRoom,
			Description:  fmt.Sprintf("Room charge %s", FormatDate(rc.AuditDate)),
			Amount:       amount,
			BusinessDate: BusinessDate(rc.AuditDate),
			PostedAt:     rc.now(),
			PostedBy:     rc.Actor,
			Source:       SourceNightAudit,
		}
		if err := p.Folios.AppendCharge(ctx, folio.ID, line); err != nil {
			if errors.Is(err, ErrDuplicateCharge) {
				attempted--
				skipped++
				continue
			}
			res.softError("folio %s: %v", folio.ID, err)
			continue
		}
		posted++
		total = total.Add(amount)
	}

	res.Processed = posted
	res.Details = map[string]any{
		"chargesPosted": posted,
		"totalAmount":   total.StringFixed(2),
		"skipped":       skipped,
	}
	if attempted > 0 && posted == 0 {
		res.Err = &OperationError{
			Operation: OpPostRoomCharges,
			Err:       fmt.Errorf("all %d room charge postings failed", attempted),
		}
	}
	return res
}
