package canvas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxTransactionAttempts = 3
	retryBackoff           = 20 * time.Millisecond
)

var (
	noOpLogger           = zap.NewNop()
	errGlobalStateRaced  = errors.New("global state version conflict")
	transientErrorNeedle = []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"could not serialize access",
		"deadlock detected",
		errGlobalStateRaced.Error(),
	}
)

// EventType names a realtime board event.
type EventType string

const (
	EventPixelChanged EventType = "pixel-change"
	EventBoardRotated EventType = "board-rotated"
)

// BoardEvent is published after a committed change to the board.
type BoardEvent struct {
	Type      EventType
	X         int
	Y         int
	Color     string
	ArchiveID string
	Timestamp time.Time
}

// EventPublisher receives committed board events.
type EventPublisher interface {
	PublishBoardEvent(event BoardEvent)
}

// ServiceConfig describes the dependencies of the placement economy engine.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Policy      Policy
	IDProvider  IDProvider
	RateLimiter *RateLimiter
	Events      EventPublisher
	Logger      *zap.Logger
}

// Service runs every placement, undo, report, vote and rotation against the shared store.
// Mutations are serialized per process and each runs in a single transaction.
type Service struct {
	db      *gorm.DB
	clock   func() time.Time
	policy  Policy
	ids     IDProvider
	limiter *RateLimiter
	events  EventPublisher
	logger  *zap.Logger
	writeMu sync.Mutex
}

// NewService validates the configuration and constructs the engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	policy := cfg.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(policy.RateLimitInterval)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:      cfg.Database,
		clock:   clock,
		policy:  policy,
		ids:     cfg.IDProvider,
		limiter: limiter,
		events:  cfg.Events,
		logger:  logger,
	}, nil
}

// Policy exposes the economy constants in effect.
func (s *Service) Policy() Policy {
	return s.policy
}

// SeedGlobalState inserts the global state row if it does not exist yet.
func SeedGlobalState(db *gorm.DB, policy Policy, now time.Time) error {
	state := GlobalState{
		ID:                   globalStateID,
		WeekStartSeconds:     now.Unix(),
		LastPlacementSeconds: now.Unix(),
		PriceCap:             policy.InitialCap,
		UpdatedAtSeconds:     now.Unix(),
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error
}

// mutate rotates the week if due and then runs fn in one transaction, retrying transient conflicts.
func (s *Service) mutate(ctx context.Context, operation string, fn func(tx *gorm.DB, now time.Time) error) error {
	if s.db == nil {
		return newServiceError(operation, reasonMissingDB, errMissingDatabase)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.rotateLocked(ctx); err != nil {
		return err
	}

	return s.withRetry(ctx, operation, func() error {
		now := s.clock().UTC()
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, now)
		})
	})
}

func (s *Service) withRetry(ctx context.Context, operation string, attempt func() error) error {
	var err error
	for attemptNumber := 1; attemptNumber <= maxTransactionAttempts; attemptNumber++ {
		err = attempt()
		if err == nil || !isTransient(err) {
			return err
		}
		s.logger.Warn("transaction conflict",
			zap.String("operation", operation),
			zap.Int("attempt", attemptNumber),
			zap.Error(err))
		if attemptNumber == maxTransactionAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attemptNumber) * retryBackoff):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, operation, err)
}

func isTransient(err error) bool {
	if err == nil || IsPolicyError(err) {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, needle := range transientErrorNeedle {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}

func (s *Service) loadGlobalState(tx *gorm.DB, operation string, now time.Time) (GlobalState, error) {
	var state GlobalState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&state, globalStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := SeedGlobalState(tx, s.policy, now); err != nil {
			return GlobalState{}, newServiceError(operation, reasonGlobalMissing, err)
		}
		err = tx.Take(&state, globalStateID).Error
	}
	if err != nil {
		return GlobalState{}, newServiceError(operation, reasonGlobalMissing, err)
	}
	return state, nil
}

// saveGlobalState writes state back guarded by the version read in the same transaction.
func (s *Service) saveGlobalState(tx *gorm.DB, operation string, state GlobalState, now time.Time) (GlobalState, error) {
	result := tx.Model(&GlobalState{}).
		Where("id = ? AND version = ?", state.ID, state.Version).
		Updates(map[string]any{
			"week_start_s":     state.WeekStartSeconds,
			"last_placement_s": state.LastPlacementSeconds,
			"price_cap":        state.PriceCap,
			"board_frozen":     state.BoardFrozen,
			"pixels_at_cap":    state.PixelsAtCap,
			"week_placements":  state.WeekPlacements,
			"version":          state.Version + 1,
			"updated_at_s":     now.Unix(),
		})
	if result.Error != nil {
		return GlobalState{}, newServiceError(operation, reasonGlobalSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return GlobalState{}, newServiceError(operation, reasonGlobalSave, errGlobalStateRaced)
	}
	state.Version++
	state.UpdatedAtSeconds = now.Unix()
	return state, nil
}

func (s *Service) loadUserForUpdate(tx *gorm.DB, operation string, userID int64) (User, error) {
	var user User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return user, nil
}

func (s *Service) publish(event BoardEvent) {
	if s.events == nil {
		return
	}
	s.events.PublishBoardEvent(event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

// logOutcome logs policy rejections at debug and store failures at error.
func (s *Service) logOutcome(operation string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	if IsPolicyError(err) {
		s.loggerOrDefault().Debug("canvas request rejected", attrs...)
		return
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		attrs = append(attrs, zap.String("code", serviceErr.Code()))
	}
	s.loggerOrDefault().Error("canvas service error", attrs...)
}
