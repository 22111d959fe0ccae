package canvas

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-F]{6}$`)

// PlacementRequest asks to paint one pixel.
type PlacementRequest struct {
	UserID int64
	X      int
	Y      int
	Color  string
	IsAd   bool
}

// PlacementResult reports what a placement cost and the resulting state.
type PlacementResult struct {
	PlacementID int64
	Cost        int64
	WasFree     bool
	FreeReason  FreeReason
	NewBalance  int64
	CostLevel   int64
	PriceCap    int64
}

// PlacePixel validates, rate limits, prices and records a placement in one transaction.
func (s *Service) PlacePixel(ctx context.Context, request PlacementRequest) (PlacementResult, error) {
	color := normalizeColor(request.Color)
	if !s.policy.ValidCoordinate(request.X, request.Y) {
		return PlacementResult{}, ErrInvalidCoordinate
	}
	if !colorPattern.MatchString(color) {
		return PlacementResult{}, ErrInvalidColor
	}
	// Later rejections still consume the slot.
	if !s.limiter.Allow(request.UserID, s.clock()) {
		s.logOutcome(opPlacePixel, ErrRateLimited, zap.Int64("user_id", request.UserID))
		return PlacementResult{}, ErrRateLimited
	}

	var result PlacementResult
	err := s.mutate(ctx, opPlacePixel, func(tx *gorm.DB, now time.Time) error {
		state, err := s.loadGlobalState(tx, opPlacePixel, now)
		if err != nil {
			return err
		}
		if state.BoardFrozen {
			return ErrBoardFrozen
		}

		user, err := s.loadUserForUpdate(tx, opPlacePixel, request.UserID)
		if err != nil {
			return err
		}

		pixel, exists, err := loadPixelForUpdate(tx, request.X, request.Y)
		if err != nil {
			return newServiceError(opPlacePixel, reasonQueryFailed, err)
		}

		quote := s.policy.Quote(PricingInput{
			Now:             now,
			WeekStart:       state.WeekStart(),
			LastPlacementAt: state.LastPlacementAt(),
			WeekPlacements:  state.WeekPlacements,
			CostLevel:       pixel.CostLevel,
			PriceCap:        state.PriceCap,
			LifetimePaid:    user.LifetimePaidPlacements,
			PixelWasAd:      pixel.IsAd,
		})
		if user.Credits < quote.Cost {
			return ErrInsufficientCredits
		}

		userUpdates := map[string]any{"credits": user.Credits - quote.Cost}
		if !quote.Free {
			userUpdates["lifetime_paid_placements"] = user.LifetimePaidPlacements + 1
		}
		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(userUpdates).Error; err != nil {
			return newServiceError(opPlacePixel, reasonUserUpdate, err)
		}

		if err := tx.Model(&Placement{}).
			Where("x = ? AND y = ? AND undoable = ?", request.X, request.Y, true).
			Update("undoable", false).Error; err != nil {
			return newServiceError(opPlacePixel, "supersede_failed", err)
		}

		previous := pixel
		if !exists {
			previous.Color = DefaultColor
		}
		ownerID := user.ID
		pixel.X = request.X
		pixel.Y = request.Y
		pixel.Color = color
		pixel.OwnerID = &ownerID
		pixel.IsAd = request.IsAd
		pixel.CostLevel = quote.NewLevel
		pixel.UpdatedAtSeconds = now.Unix()
		if err := upsertPixel(tx, pixel); err != nil {
			return newServiceError(opPlacePixel, reasonPixelSave, err)
		}

		placement := Placement{
			UserID:          user.ID,
			X:               request.X,
			Y:               request.Y,
			Color:           color,
			Cost:            quote.Cost,
			WasFree:         quote.Free,
			IsAd:            request.IsAd,
			PlacedAtSeconds: now.Unix(),
			PrevColor:       previous.Color,
			PrevOwnerID:     previous.OwnerID,
			PrevIsAd:        previous.IsAd,
			Undoable:        true,
		}
		if err := tx.Create(&placement).Error; err != nil {
			return newServiceError(opPlacePixel, reasonInsertFailed, err)
		}

		state.LastPlacementSeconds = now.Unix()
		state.WeekPlacements++
		if quote.ReachedCap {
			state.PixelsAtCap++
		}
		capLowered := false
		if s.policy.ShouldLowerCap(state.PriceCap, state.PixelsAtCap) {
			state.PriceCap = s.policy.LoweredCap
			capLowered = true
		}
		if state, err = s.saveGlobalState(tx, opPlacePixel, state, now); err != nil {
			return err
		}
		if capLowered {
			s.loggerOrDefault().Info("price cap lowered",
				zap.Int64("price_cap", state.PriceCap),
				zap.Int64("pixels_at_cap", state.PixelsAtCap))
		}

		result = PlacementResult{
			PlacementID: placement.ID,
			Cost:        quote.Cost,
			WasFree:     quote.Free,
			FreeReason:  quote.FreeReason,
			NewBalance:  user.Credits - quote.Cost,
			CostLevel:   pixel.CostLevel,
			PriceCap:    state.PriceCap,
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opPlacePixel, err,
			zap.Int64("user_id", request.UserID),
			zap.Int("x", request.X),
			zap.Int("y", request.Y))
		return PlacementResult{}, err
	}

	s.publish(BoardEvent{
		Type:      EventPixelChanged,
		X:         request.X,
		Y:         request.Y,
		Color:     color,
		Timestamp: s.clock().UTC(),
	})
	return result, nil
}

// loadPixelForUpdate returns the stored pixel, or a zero pixel and false when the coordinate was never painted.
func loadPixelForUpdate(tx *gorm.DB, x, y int) (Pixel, bool, error) {
	var pixel Pixel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("x = ? AND y = ?", x, y).
		Take(&pixel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pixel{X: x, Y: y}, false, nil
	}
	if err != nil {
		return Pixel{}, false, err
	}
	return pixel, true, nil
}

func upsertPixel(tx *gorm.DB, pixel Pixel) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "x"}, {Name: "y"}},
		DoUpdates: clause.AssignmentColumns([]string{"color", "owner_id", "cost_level", "is_ad", "updated_at_s"}),
	}).Create(&pixel).Error
}
