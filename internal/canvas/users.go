package canvas

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxUsernameLength = 64

	// MaxInitialCredits bounds provisioned balances well below the int64 range.
	MaxInitialCredits int64 = 1_000_000_000_000
)

// CreateUser provisions a painter with an initial credit balance.
func (s *Service) CreateUser(ctx context.Context, username string, initialCredits int64) (User, error) {
	name := strings.TrimSpace(username)
	if name == "" || utf8.RuneCountInString(name) > maxUsernameLength {
		return User{}, ErrInvalidUsername
	}
	if initialCredits < 0 || initialCredits > MaxInitialCredits {
		return User{}, ErrInvalidAmount
	}

	var user User
	err := s.mutate(ctx, opCreateUser, func(tx *gorm.DB, now time.Time) error {
		var existing int64
		if err := tx.Model(&User{}).Where("username = ?", name).Count(&existing).Error; err != nil {
			return newServiceError(opCreateUser, reasonQueryFailed, err)
		}
		if existing > 0 {
			return ErrUsernameTaken
		}
		user = User{
			Username:         name,
			Credits:          initialCredits,
			CreatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&user).Error; err != nil {
			return newServiceError(opCreateUser, reasonInsertFailed, err)
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opCreateUser, err, zap.String("username", name))
		return User{}, err
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID int64) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opGetUser, reasonMissingDB, errMissingDatabase)
	}
	var user User
	err := s.db.WithContext(ctx).Take(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logOutcome(opGetUser, err, zap.Int64("user_id", userID))
		return User{}, newServiceError(opGetUser, reasonQueryFailed, err)
	}
	return user, nil
}

// FindUserByUsername loads a user by its unique username.
func (s *Service) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opGetUser, reasonMissingDB, errMissingDatabase)
	}
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, newServiceError(opGetUser, reasonQueryFailed, err)
	}
	return user, nil
}
