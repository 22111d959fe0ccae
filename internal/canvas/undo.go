package canvas

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UndoResult reports the charge for an undo and the restored pixel.
type UndoResult struct {
	PlacementID int64
	UndoCost    int64
	NewBalance  int64
	Pixel       Pixel
}

// UndoPlacement reverts a placement's pixel to its previous state for a fee.
// The original charge is never refunded and the pixel's cost level is left as is.
func (s *Service) UndoPlacement(ctx context.Context, placementID, userID int64) (UndoResult, error) {
	var result UndoResult
	err := s.mutate(ctx, opUndoPlacement, func(tx *gorm.DB, now time.Time) error {
		state, err := s.loadGlobalState(tx, opUndoPlacement, now)
		if err != nil {
			return err
		}

		var placement Placement
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&placement, placementID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPlacementNotFound
		}
		if err != nil {
			return newServiceError(opUndoPlacement, reasonQueryFailed, err)
		}
		if placement.UserID != userID {
			return ErrNotOwner
		}
		if state.BoardFrozen {
			return ErrBoardFrozen
		}
		if !placement.Undoable {
			return ErrAlreadyConsumed
		}
		if now.Unix()-placement.PlacedAtSeconds > int64(s.policy.UndoWindow/time.Second) {
			return ErrWindowExpired
		}

		user, err := s.loadUserForUpdate(tx, opUndoPlacement, userID)
		if err != nil {
			return err
		}
		cost := s.policy.UndoCost(placement.Cost, user.UndoEscalationBase)
		if user.Credits < cost {
			return ErrInsufficientCredits
		}

		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"credits":              user.Credits - cost,
			"undos_this_week":      user.UndosThisWeek + 1,
			"undo_escalation_base": user.UndoEscalationBase + placement.Cost,
		}).Error; err != nil {
			return newServiceError(opUndoPlacement, reasonUserUpdate, err)
		}

		pixel, _, err := loadPixelForUpdate(tx, placement.X, placement.Y)
		if err != nil {
			return newServiceError(opUndoPlacement, reasonQueryFailed, err)
		}
		pixel.Color = placement.PrevColor
		pixel.OwnerID = placement.PrevOwnerID
		pixel.IsAd = placement.PrevIsAd
		pixel.UpdatedAtSeconds = now.Unix()
		if err := upsertPixel(tx, pixel); err != nil {
			return newServiceError(opUndoPlacement, reasonPixelSave, err)
		}

		if err := tx.Model(&Placement{}).Where("id = ?", placement.ID).Update("undoable", false).Error; err != nil {
			return newServiceError(opUndoPlacement, "placement_update_failed", err)
		}
		if err := tx.Create(&PlacementUndo{
			PlacementID:     placement.ID,
			UserID:          user.ID,
			Cost:            cost,
			UndoneAtSeconds: now.Unix(),
		}).Error; err != nil {
			return newServiceError(opUndoPlacement, reasonInsertFailed, err)
		}

		result = UndoResult{
			PlacementID: placement.ID,
			UndoCost:    cost,
			NewBalance:  user.Credits - cost,
			Pixel:       pixel,
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opUndoPlacement, err,
			zap.Int64("placement_id", placementID),
			zap.Int64("user_id", userID))
		return UndoResult{}, err
	}

	s.publish(BoardEvent{
		Type:      EventPixelChanged,
		X:         result.Pixel.X,
		Y:         result.Pixel.Y,
		Color:     result.Pixel.Color,
		Timestamp: s.clock().UTC(),
	})
	return result, nil
}
