package canvas

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxReasonLength = 500

	// ReasonUnlabeledAd marks a report claiming a pixel is an advertisement placed without the ad flag.
	ReasonUnlabeledAd = "unlabeled_ad"
)

// ReportRequest files an abuse report against a coordinate.
type ReportRequest struct {
	UserID int64
	X      int
	Y      int
	Reason string
}

// ReportResult reports the live weekly count after the report was stored.
type ReportResult struct {
	ReportID        int64
	ReportCount     int64
	ReportThreshold int64
	BoardFrozen     bool
}

// ReportPixel stores a report and freezes the board when the weekly count reaches the threshold.
func (s *Service) ReportPixel(ctx context.Context, request ReportRequest) (ReportResult, error) {
	if !s.policy.ValidCoordinate(request.X, request.Y) {
		return ReportResult{}, ErrInvalidCoordinate
	}
	reason := truncateReason(strings.TrimSpace(request.Reason))

	var (
		result  ReportResult
		tripped bool
	)
	err := s.mutate(ctx, opReportPixel, func(tx *gorm.DB, now time.Time) error {
		tripped = false
		state, err := s.loadGlobalState(tx, opReportPixel, now)
		if err != nil {
			return err
		}
		if _, err := s.loadUserForUpdate(tx, opReportPixel, request.UserID); err != nil {
			return err
		}

		report := Report{
			ReporterID:       request.UserID,
			X:                request.X,
			Y:                request.Y,
			Reason:           reason,
			CreatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&report).Error; err != nil {
			return newServiceError(opReportPixel, reasonInsertFailed, err)
		}

		if strings.EqualFold(reason, ReasonUnlabeledAd) {
			if err := recordAdViolation(tx, request.X, request.Y); err != nil {
				return newServiceError(opReportPixel, reasonUserUpdate, err)
			}
		}

		count, err := countReportsSince(tx, state.WeekStartSeconds)
		if err != nil {
			return newServiceError(opReportPixel, reasonQueryFailed, err)
		}
		if !state.BoardFrozen && count >= s.policy.ReportThreshold {
			state.BoardFrozen = true
			if state, err = s.saveGlobalState(tx, opReportPixel, state, now); err != nil {
				return err
			}
			tripped = true
		}

		result = ReportResult{
			ReportID:        report.ID,
			ReportCount:     count,
			ReportThreshold: s.policy.ReportThreshold,
			BoardFrozen:     state.BoardFrozen,
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opReportPixel, err, zap.Int64("user_id", request.UserID))
		return ReportResult{}, err
	}
	if tripped {
		s.loggerOrDefault().Info("board frozen by reports",
			zap.Int64("report_count", result.ReportCount),
			zap.Int64("threshold", result.ReportThreshold))
	}
	return result, nil
}

// recordAdViolation counts an unlabeled-ad report against the current owner of a non-ad pixel.
func recordAdViolation(tx *gorm.DB, x, y int) error {
	pixel, exists, err := loadPixelForUpdate(tx, x, y)
	if err != nil || !exists || pixel.IsAd || pixel.OwnerID == nil {
		return err
	}
	return tx.Model(&User{}).
		Where("id = ?", *pixel.OwnerID).
		Update("ad_violations", gorm.Expr("ad_violations + ?", 1)).Error
}

func countReportsSince(tx *gorm.DB, weekStartSeconds int64) (int64, error) {
	var count int64
	err := tx.Model(&Report{}).Where("created_at_s >= ?", weekStartSeconds).Count(&count).Error
	return count, err
}

func truncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= maxReasonLength {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:maxReasonLength])
}
