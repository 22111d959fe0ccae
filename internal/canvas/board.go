package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Stats summarizes the active week.
type Stats struct {
	BoardSize            int
	PriceCap             int64
	PlacementsThisWeek   int64
	BoardFrozen          bool
	ReportsThisWeek      int64
	ReportThreshold      int64
	TotalPixels          int64
	PixelsAtCap          int64
	WeekStart            time.Time
	WeekEnd              time.Time
	LastPlacementAt      time.Time
	InactivityFreeActive bool
}

// ArchiveDetail is an archive with its snapshot decoded.
type ArchiveDetail struct {
	Archive Archive
	Pixels  []ArchivedPixel
}

// GetBoard returns every painted pixel ordered by coordinate.
func (s *Service) GetBoard(ctx context.Context) ([]Pixel, error) {
	if _, err := s.RotateIfDue(ctx); err != nil {
		return nil, err
	}
	var pixels []Pixel
	if err := s.db.WithContext(ctx).Order("x ASC, y ASC").Find(&pixels).Error; err != nil {
		s.logOutcome(opGetBoard, err)
		return nil, newServiceError(opGetBoard, reasonQueryFailed, err)
	}
	return pixels, nil
}

// GetStats reads the global state and this week's counters in one transaction.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	if _, err := s.RotateIfDue(ctx); err != nil {
		return Stats{}, err
	}

	var stats Stats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		var state GlobalState
		if err := tx.Take(&state, globalStateID).Error; err != nil {
			return err
		}
		var placements int64
		if err := tx.Model(&Placement{}).Where("placed_at_s >= ?", state.WeekStartSeconds).Count(&placements).Error; err != nil {
			return err
		}
		reports, err := countReportsSince(tx, state.WeekStartSeconds)
		if err != nil {
			return err
		}
		var totalPixels int64
		if err := tx.Model(&Pixel{}).Count(&totalPixels).Error; err != nil {
			return err
		}
		stats = Stats{
			BoardSize:            s.policy.BoardSize,
			PriceCap:             state.PriceCap,
			PlacementsThisWeek:   placements,
			BoardFrozen:          state.BoardFrozen,
			ReportsThisWeek:      reports,
			ReportThreshold:      s.policy.ReportThreshold,
			TotalPixels:          totalPixels,
			PixelsAtCap:          state.PixelsAtCap,
			WeekStart:            state.WeekStart(),
			WeekEnd:              state.WeekStart().Add(s.policy.WeekLength),
			LastPlacementAt:      state.LastPlacementAt(),
			InactivityFreeActive: now.Sub(state.LastPlacementAt()) >= s.policy.InactivityWindow,
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opGetStats, err)
		return Stats{}, newServiceError(opGetStats, reasonQueryFailed, err)
	}
	return stats, nil
}

// ListArchives returns archive metadata, newest first, without snapshots.
func (s *Service) ListArchives(ctx context.Context) ([]Archive, error) {
	if _, err := s.RotateIfDue(ctx); err != nil {
		return nil, err
	}
	var archives []Archive
	if err := s.db.WithContext(ctx).
		Omit("snapshot_json").
		Order("week_start_s DESC").
		Find(&archives).Error; err != nil {
		s.logOutcome(opListArchives, err)
		return nil, newServiceError(opListArchives, reasonQueryFailed, err)
	}
	return archives, nil
}

// GetArchive loads one archive and decodes its snapshot.
func (s *Service) GetArchive(ctx context.Context, archiveID string) (ArchiveDetail, error) {
	if s.db == nil {
		return ArchiveDetail{}, newServiceError(opGetArchive, reasonMissingDB, errMissingDatabase)
	}
	var archive Archive
	err := s.db.WithContext(ctx).Where("id = ?", archiveID).Take(&archive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArchiveDetail{}, ErrArchiveNotFound
	}
	if err != nil {
		s.logOutcome(opGetArchive, err)
		return ArchiveDetail{}, newServiceError(opGetArchive, reasonQueryFailed, err)
	}
	var pixels []ArchivedPixel
	if err := json.Unmarshal([]byte(archive.SnapshotJSON), &pixels); err != nil {
		return ArchiveDetail{}, newServiceError(opGetArchive, reasonSnapshot, err)
	}
	return ArchiveDetail{Archive: archive, Pixels: pixels}, nil
}
