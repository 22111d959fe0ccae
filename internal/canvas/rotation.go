package canvas

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RotationResult describes the outcome of a week boundary check.
type RotationResult struct {
	Rotated bool
	Archive *Archive
}

// RotateIfDue archives and resets the board when the active week has ended.
// Only one rotation runs per boundary; later calls observe the advanced week start and do nothing.
func (s *Service) RotateIfDue(ctx context.Context) (RotationResult, error) {
	if s.db == nil {
		return RotationResult{}, newServiceError(opRotate, reasonMissingDB, errMissingDatabase)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rotateLocked(ctx)
}

// RunRotationLoop checks the week boundary every interval until ctx is cancelled.
func (s *Service) RunRotationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RotateIfDue(ctx) // failures are logged by rotateLocked
		}
	}
}

func (s *Service) rotateLocked(ctx context.Context) (RotationResult, error) {
	var result RotationResult
	err := s.withRetry(ctx, opRotate, func() error {
		result = RotationResult{}
		now := s.clock().UTC()
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			archive, err := s.rotateWeek(tx, now)
			if err != nil {
				return err
			}
			if archive != nil {
				result = RotationResult{Rotated: true, Archive: archive}
			}
			return nil
		})
	})
	if err != nil {
		s.logOutcome(opRotate, err)
		return RotationResult{}, err
	}
	if result.Rotated {
		s.loggerOrDefault().Info("week rotated",
			zap.String("archive_id", result.Archive.ID),
			zap.Int64("week_start_s", result.Archive.WeekStartSeconds),
			zap.Int64("placements", result.Archive.TotalPlacements),
			zap.Int64("contributors", result.Archive.Contributors))
		s.publish(BoardEvent{
			Type:      EventBoardRotated,
			ArchiveID: result.Archive.ID,
			Timestamp: time.Unix(result.Archive.ArchivedAtSeconds, 0).UTC(),
		})
	}
	return result, nil
}

func (s *Service) rotateWeek(tx *gorm.DB, now time.Time) (*Archive, error) {
	state, err := s.loadGlobalState(tx, opRotate, now)
	if err != nil {
		return nil, err
	}

	weekSeconds := int64(s.policy.WeekLength / time.Second)
	elapsed := now.Unix() - state.WeekStartSeconds
	if weekSeconds <= 0 || elapsed < weekSeconds {
		return nil, nil
	}

	closingStart := state.WeekStartSeconds
	closingEnd := closingStart + weekSeconds
	nextStart := closingStart + (elapsed/weekSeconds)*weekSeconds

	archive, err := s.captureArchive(tx, closingStart, closingEnd, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&Pixel{}).Where("cost_level <> 0").Update("cost_level", 0).Error; err != nil {
		return nil, newServiceError(opRotate, "pixel_reset_failed", err)
	}
	if err := tx.Model(&User{}).
		Where("undos_this_week <> 0 OR undo_escalation_base <> 0").
		Updates(map[string]any{"undos_this_week": 0, "undo_escalation_base": 0}).Error; err != nil {
		return nil, newServiceError(opRotate, reasonUserUpdate, err)
	}

	state.WeekStartSeconds = nextStart
	state.PriceCap = s.policy.InitialCap
	state.BoardFrozen = false
	state.PixelsAtCap = 0
	state.WeekPlacements = 0
	if _, err := s.saveGlobalState(tx, opRotate, state, now); err != nil {
		return nil, err
	}
	return archive, nil
}

func (s *Service) captureArchive(tx *gorm.DB, weekStart, weekEnd int64, now time.Time) (*Archive, error) {
	var pixels []Pixel
	if err := tx.Order("x ASC, y ASC").Find(&pixels).Error; err != nil {
		return nil, newServiceError(opRotate, reasonSnapshot, err)
	}
	snapshot := make([]ArchivedPixel, 0, len(pixels))
	for _, pixel := range pixels {
		snapshot = append(snapshot, ArchivedPixel{
			X:       pixel.X,
			Y:       pixel.Y,
			Color:   pixel.Color,
			OwnerID: pixel.OwnerID,
			IsAd:    pixel.IsAd,
		})
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, newServiceError(opRotate, reasonSnapshot, err)
	}

	weekPlacements := tx.Model(&Placement{}).
		Where("placed_at_s >= ? AND placed_at_s < ?", weekStart, weekEnd).
		Session(&gorm.Session{})
	var totalPlacements int64
	if err := weekPlacements.Count(&totalPlacements).Error; err != nil {
		return nil, newServiceError(opRotate, reasonQueryFailed, err)
	}
	var contributors int64
	if err := weekPlacements.Distinct("user_id").Count(&contributors).Error; err != nil {
		return nil, newServiceError(opRotate, reasonQueryFailed, err)
	}

	archiveID, err := s.ids.NewID()
	if err != nil {
		return nil, newServiceError(opRotate, reasonIDGeneration, err)
	}
	archive := &Archive{
		ID:                archiveID,
		WeekStartSeconds:  weekStart,
		WeekEndSeconds:    weekEnd,
		SnapshotJSON:      string(snapshotJSON),
		TotalPlacements:   totalPlacements,
		Contributors:      contributors,
		ArchivedAtSeconds: now.Unix(),
	}
	created := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "week_start_s"}}, DoNothing: true}).
		Create(archive)
	if created.Error != nil {
		return nil, newServiceError(opRotate, reasonInsertFailed, created.Error)
	}
	if created.RowsAffected == 0 {
		// Another writer archived this week first; keep its snapshot.
		var existing Archive
		if err := tx.Where("week_start_s = ?", weekStart).Take(&existing).Error; err != nil {
			return nil, newServiceError(opRotate, reasonQueryFailed, err)
		}
		return &existing, nil
	}
	return archive, nil
}
