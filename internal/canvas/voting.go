package canvas

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RewardWinner is the top contributor of a month's winning archive.
type RewardWinner struct {
	UserID         int64
	Placements     int64
	Paid           bool
	CooldownActive bool
	Reward         int64
	NewBalance     int64
}

// MonthlyResult is the outcome of resolving a month's vote.
type MonthlyResult struct {
	Year      int
	Month     time.Month
	ArchiveID string
	Votes     int64
	Winner    *RewardWinner
}

// CastVote records the user's single vote for the month the archive's week started in.
func (s *Service) CastVote(ctx context.Context, userID int64, archiveID string) (Vote, error) {
	var vote Vote
	err := s.mutate(ctx, opCastVote, func(tx *gorm.DB, now time.Time) error {
		if _, err := s.loadUserForUpdate(tx, opCastVote, userID); err != nil {
			return err
		}
		var archive Archive
		err := tx.Where("id = ?", archiveID).Take(&archive).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrArchiveNotFound
		}
		if err != nil {
			return newServiceError(opCastVote, reasonQueryFailed, err)
		}

		period := archive.WeekStart()
		var existing int64
		if err := tx.Model(&Vote{}).
			Where("user_id = ? AND year = ? AND month = ?", userID, period.Year(), int(period.Month())).
			Count(&existing).Error; err != nil {
			return newServiceError(opCastVote, reasonQueryFailed, err)
		}
		if existing > 0 {
			return ErrAlreadyVoted
		}

		vote = Vote{
			UserID:           userID,
			ArchiveID:        archive.ID,
			Year:             period.Year(),
			Month:            int(period.Month()),
			CreatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&vote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyVoted
			}
			return newServiceError(opCastVote, reasonInsertFailed, err)
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opCastVote, err, zap.Int64("user_id", userID), zap.String("archive_id", archiveID))
		return Vote{}, err
	}
	return vote, nil
}

type archiveVoteCount struct {
	ArchiveID string
	Votes     int64
}

type contributorCount struct {
	UserID     int64
	Placements int64
}

// ResolveMonthlyWinner picks the month's most voted archive and pays its top contributor unless the
// contributor was rewarded within the cooldown.
func (s *Service) ResolveMonthlyWinner(ctx context.Context, year int, month time.Month) (MonthlyResult, error) {
	if month < time.January || month > time.December || year < 1 {
		return MonthlyResult{}, ErrInvalidPeriod
	}
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	nextMonth := monthStart.AddDate(0, 1, 0)

	var result MonthlyResult
	err := s.mutate(ctx, opResolveWinner, func(tx *gorm.DB, now time.Time) error {
		result = MonthlyResult{Year: year, Month: month}

		var archives []Archive
		if err := tx.Where("week_start_s >= ? AND week_start_s < ?", monthStart.Unix(), nextMonth.Unix()).
			Order("archived_at_s ASC, id ASC").
			Find(&archives).Error; err != nil {
			return newServiceError(opResolveWinner, reasonQueryFailed, err)
		}
		if len(archives) == 0 {
			return ErrArchiveNotFound
		}

		ids := make([]string, 0, len(archives))
		for _, archive := range archives {
			ids = append(ids, archive.ID)
		}
		var counts []archiveVoteCount
		if err := tx.Model(&Vote{}).
			Select("archive_id, COUNT(*) AS votes").
			Where("archive_id IN ?", ids).
			Group("archive_id").
			Scan(&counts).Error; err != nil {
			return newServiceError(opResolveWinner, reasonQueryFailed, err)
		}
		votesByArchive := make(map[string]int64, len(counts))
		for _, count := range counts {
			votesByArchive[count.ArchiveID] = count.Votes
		}

		// Archives are ordered by archived_at, so a strict comparison keeps the earliest on ties.
		winning := archives[0]
		for _, archive := range archives[1:] {
			if votesByArchive[archive.ID] > votesByArchive[winning.ID] {
				winning = archive
			}
		}
		result.ArchiveID = winning.ID
		result.Votes = votesByArchive[winning.ID]
		if result.Votes == 0 {
			return nil
		}

		var top []contributorCount
		if err := tx.Model(&Placement{}).
			Select("user_id, COUNT(*) AS placements").
			Where("placed_at_s >= ? AND placed_at_s < ?", winning.WeekStartSeconds, winning.WeekEndSeconds).
			Group("user_id").
			Order("placements DESC, user_id ASC").
			Limit(1).
			Scan(&top).Error; err != nil {
			return newServiceError(opResolveWinner, reasonQueryFailed, err)
		}
		if len(top) == 0 {
			return nil
		}

		user, err := s.loadUserForUpdate(tx, opResolveWinner, top[0].UserID)
		if err != nil {
			return err
		}
		winner := &RewardWinner{
			UserID:     user.ID,
			Placements: top[0].Placements,
			NewBalance: user.Credits,
		}
		target := monthIndex(year, month)
		if !s.rewardEligible(user.LastRewardMonth, target) {
			winner.CooldownActive = true
			result.Winner = winner
			return nil
		}

		reward := creditHeadroom(user.Credits, s.policy.RewardCredits)
		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"credits":           user.Credits + reward,
			"last_reward_month": target,
		}).Error; err != nil {
			return newServiceError(opResolveWinner, reasonUserUpdate, err)
		}
		winner.Paid = true
		winner.Reward = reward
		winner.NewBalance = user.Credits + reward
		result.Winner = winner
		return nil
	})
	if err != nil {
		s.logOutcome(opResolveWinner, err, zap.Int("year", year), zap.Int("month", int(month)))
		return MonthlyResult{}, err
	}
	if result.Winner != nil && result.Winner.Paid {
		s.loggerOrDefault().Info("monthly reward paid",
			zap.String("archive_id", result.ArchiveID),
			zap.Int64("user_id", result.Winner.UserID),
			zap.Int64("reward", result.Winner.Reward))
	}
	return result, nil
}

// creditHeadroom clamps amount so that balance+amount stays within int64.
func creditHeadroom(balance, amount int64) int64 {
	if balance > math.MaxInt64-amount {
		return math.MaxInt64 - balance
	}
	return amount
}

func (s *Service) rewardEligible(lastRewardMonth *int64, target int64) bool {
	if lastRewardMonth == nil {
		return true
	}
	return target-*lastRewardMonth >= s.policy.RewardCooldownMonths
}
