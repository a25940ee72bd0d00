package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const approvalModule = "stock_transfer"

// RequestTransfer records a transfer awaiting approval. Validation here is
// advisory; approval validates again against locked stock.
func (s *Service) RequestTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := s.validate.Struct(req); err != nil {
		return Transfer{}, fmt.Errorf("inventory: %w", err)
	}
	for _, line := range aggregateLines(req.Lines) {
		out := Check{
			LocationID:    req.SourceLocationID,
			ItemID:        line.ItemID,
			PeriodID:      req.PeriodID,
			Quantity:      line.Quantity,
			Kind:          KindTransferOut,
			CounterpartID: req.DestLocationID,
		}
		itemID := line.ItemID
		advisory := func(ctx context.Context) (money.Quantity, error) {
			stock, err := s.repo.GetStock(ctx, req.SourceLocationID, itemID)
			if err != nil {
				return money.Zero(), err
			}
			return stock.OnHand, nil
		}
		if err := s.validator.Validate(ctx, out, advisory); err != nil {
			s.rejected(err)
			return Transfer{}, err
		}
		in := out
		in.LocationID, in.CounterpartID, in.Kind = req.DestLocationID, req.SourceLocationID, KindTransferIn
		if err := s.validator.Validate(ctx, in, nil); err != nil {
			s.rejected(err)
			return Transfer{}, err
		}
	}
	for _, line := range req.Lines {
		if !line.Quantity.IsPositive() {
			return Transfer{}, &shared.InvalidQuantityError{Quantity: line.Quantity}
		}
	}

	now := s.now().UTC()
	t := Transfer{
		ID:               uuid.New(),
		Code:             strings.TrimSpace(req.Code),
		SourceLocationID: req.SourceLocationID,
		DestLocationID:   req.DestLocationID,
		PeriodID:         req.PeriodID,
		Status:           TransferPendingApproval,
		Note:             req.Note,
		RequestedBy:      req.ActorID,
		RequestedAt:      now,
	}
	if t.Code == "" {
		t.Code = "TRF-" + strings.ToUpper(t.ID.String()[:8])
	}
	for i, line := range req.Lines {
		line.LineNo = i + 1
		t.Lines = append(t.Lines, line)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertTransfer(ctx, t); err != nil {
			return err
		}
		if err := s.recordDecision(ctx, t.ID, req.ActorID, shared.ApprovalSubmit, req.Note); err != nil {
			return err
		}
		return s.auditTransfer(ctx, t, req.ActorID, "stock:transfer_requested")
	})
	if err != nil {
		return Transfer{}, err
	}
	s.logger.Info("transfer requested",
		slog.String("transfer_id", t.ID.String()),
		slog.Int64("source_location_id", t.SourceLocationID),
		slog.Int64("dest_location_id", t.DestLocationID),
		slog.Int64("actor_id", req.ActorID))
	return t, nil
}

// ApproveTransfer applies every line as a paired out/in movement and marks the
// transfer approved, all in one transaction. The actor must hold the approve
// capability at the source location.
func (s *Service) ApproveTransfer(ctx context.Context, id uuid.UUID, actorID int64) (TransferResult, error) {
	current, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return TransferResult{}, err
	}
	if err := s.requireApprover(ctx, actorID, current.SourceLocationID); err != nil {
		s.rejected(err)
		return TransferResult{}, err
	}

	var result TransferResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TransferPendingApproval {
			return ErrTransferNotPending
		}
		for _, key := range lockOrder(t) {
			if _, err := tx.LockStock(ctx, key.locationID, key.itemID); err != nil {
				return err
			}
		}
		transferID := uuid.NullUUID{UUID: t.ID, Valid: true}
		sources := map[int64]LocationStock{}
		dests := map[int64]LocationStock{}
		for _, line := range t.Lines {
			src, out, err := s.post(ctx, tx, posting{
				kind:          KindTransferOut,
				locationID:    t.SourceLocationID,
				itemID:        line.ItemID,
				periodID:      t.PeriodID,
				quantity:      line.Quantity,
				counterpartID: t.DestLocationID,
				actorID:       actorID,
				transferID:    transferID,
				note:          t.Code,
			})
			if err != nil {
				return err
			}
			dst, in, err := s.post(ctx, tx, posting{
				kind:          KindTransferIn,
				locationID:    t.DestLocationID,
				itemID:        line.ItemID,
				periodID:      t.PeriodID,
				quantity:      line.Quantity,
				price:         out.UnitCost,
				counterpartID: t.SourceLocationID,
				actorID:       actorID,
				transferID:    transferID,
				note:          t.Code,
			})
			if err != nil {
				return err
			}
			sources[line.ItemID] = src
			dests[line.ItemID] = dst
			result.Movements = append(result.Movements, out, in)
		}
		now := s.now().UTC()
		if err := tx.UpdateTransferStatus(ctx, t.ID, TransferApproved, actorID, now); err != nil {
			return err
		}
		t.Status = TransferApproved
		t.DecidedBy = &actorID
		t.DecidedAt = &now
		if err := s.recordDecision(ctx, t.ID, actorID, shared.ApprovalApprove, ""); err != nil {
			return err
		}
		if err := s.auditTransfer(ctx, t, actorID, "stock:transfer_approved"); err != nil {
			return err
		}
		result.Transfer = t
		result.Source = sortedStock(sources)
		result.Dest = sortedStock(dests)
		return nil
	})
	if err != nil {
		s.rejected(err)
		return TransferResult{}, err
	}
	for _, mv := range result.Movements {
		s.posted(mv)
	}
	s.logger.Info("transfer approved",
		slog.String("transfer_id", id.String()),
		slog.Int64("actor_id", actorID),
		slog.Int("lines", len(result.Transfer.Lines)))
	return result, nil
}

// RejectTransfer closes a pending transfer without touching the ledger.
func (s *Service) RejectTransfer(ctx context.Context, id uuid.UUID, actorID int64, reason string) (Transfer, error) {
	current, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if err := s.requireApprover(ctx, actorID, current.SourceLocationID); err != nil {
		return Transfer{}, err
	}
	var t Transfer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TransferPendingApproval {
			return ErrTransferNotPending
		}
		now := s.now().UTC()
		if err := tx.UpdateTransferStatus(ctx, id, TransferRejected, actorID, now); err != nil {
			return err
		}
		t.Status = TransferRejected
		t.DecidedBy = &actorID
		t.DecidedAt = &now
		if err := s.recordDecision(ctx, id, actorID, shared.ApprovalReject, reason); err != nil {
			return err
		}
		return s.auditTransfer(ctx, t, actorID, "stock:transfer_rejected")
	})
	if err != nil {
		return Transfer{}, err
	}
	s.logger.Info("transfer rejected", slog.String("transfer_id", id.String()), slog.Int64("actor_id", actorID))
	return t, nil
}

// GetTransfer returns a transfer with its lines.
func (s *Service) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

func (s *Service) requireApprover(ctx context.Context, actorID, locationID int64) error {
	if s.authz == nil {
		return &shared.PermissionDeniedError{ActorID: actorID, LocationID: locationID, Capability: shared.PermTransfersApprove}
	}
	ok, err := s.authz.CanApprove(ctx, actorID, locationID)
	return shared.RequireCapability(ok, err, actorID, locationID, shared.PermTransfersApprove)
}

func (s *Service) recordDecision(ctx context.Context, id uuid.UUID, actorID int64, action shared.ApprovalAction, note string) error {
	if s.approvals == nil {
		return nil
	}
	return s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   id,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now().UTC(),
	})
}

func (s *Service) auditTransfer(ctx context.Context, t Transfer, actorID int64, action string) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_transfer",
		EntityID: t.ID.String(),
		Meta: map[string]any{
			"code":               t.Code,
			"source_location_id": t.SourceLocationID,
			"dest_location_id":   t.DestLocationID,
			"period_id":          t.PeriodID,
			"lines":              len(t.Lines),
		},
	})
}

type stockKey struct {
	locationID int64
	itemID     int64
}

// lockOrder lists every stock row a transfer touches in ascending
// (location, item) order.
func lockOrder(t Transfer) []stockKey {
	seen := map[stockKey]struct{}{}
	var keys []stockKey
	for _, line := range t.Lines {
		for _, loc := range []int64{t.SourceLocationID, t.DestLocationID} {
			k := stockKey{locationID: loc, itemID: line.ItemID}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].locationID != keys[j].locationID {
			return keys[i].locationID < keys[j].locationID
		}
		return keys[i].itemID < keys[j].itemID
	})
	return keys
}

// aggregateLines sums quantities per item so the advisory stock check sees the
// full amount leaving the source.
func aggregateLines(lines []TransferLine) []TransferLine {
	index := map[int64]int{}
	var out []TransferLine
	for _, l := range lines {
		if i, ok := index[l.ItemID]; ok {
			out[i].Quantity = out[i].Quantity.Add(l.Quantity)
			continue
		}
		index[l.ItemID] = len(out)
		out = append(out, TransferLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return out
}

func sortedStock(m map[int64]LocationStock) []LocationStock {
	out := make([]LocationStock, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}
