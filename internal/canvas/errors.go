package canvas

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCoordinate   = errors.New("canvas: invalid coordinate")
	ErrInvalidColor        = errors.New("canvas: invalid color")
	ErrInvalidUsername     = errors.New("canvas: invalid username")
	ErrInvalidAmount       = errors.New("canvas: invalid credit amount")
	ErrInvalidPeriod       = errors.New("canvas: invalid period")
	ErrRateLimited         = errors.New("canvas: rate limited")
	ErrBoardFrozen         = errors.New("canvas: board frozen")
	ErrInsufficientCredits = errors.New("canvas: insufficient credits")
	ErrUserNotFound        = errors.New("canvas: user not found")
	ErrUsernameTaken       = errors.New("canvas: username already exists")
	ErrPlacementNotFound   = errors.New("canvas: placement not found")
	ErrArchiveNotFound     = errors.New("canvas: archive not found")
	ErrNotOwner            = errors.New("canvas: placement belongs to another user")
	ErrWindowExpired       = errors.New("canvas: undo window expired")
	ErrAlreadyConsumed     = errors.New("canvas: placement no longer undoable")
	ErrAlreadyVoted        = errors.New("canvas: already voted this month")
	ErrTransient           = errors.New("canvas: transient store failure")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError wraps store failures with a stable operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "canvas.service.new"
	opPlacePixel        = "canvas.place_pixel"
	opUndoPlacement     = "canvas.undo_placement"
	opReportPixel       = "canvas.report_pixel"
	opRotate            = "canvas.rotate"
	opCastVote          = "canvas.cast_vote"
	opResolveWinner     = "canvas.resolve_monthly_winner"
	opCreateUser        = "canvas.create_user"
	opGetUser           = "canvas.get_user"
	opGetBoard          = "canvas.get_board"
	opGetStats          = "canvas.get_stats"
	opListArchives      = "canvas.list_archives"
	opGetArchive        = "canvas.get_archive"
	reasonMissingDB     = "missing_database"
	reasonQueryFailed   = "query_failed"
	reasonGlobalMissing = "global_state_failed"
	reasonUserUpdate    = "user_update_failed"
	reasonPixelSave     = "pixel_save_failed"
	reasonInsertFailed  = "insert_failed"
	reasonGlobalSave    = "global_state_save_failed"
	reasonSnapshot      = "snapshot_failed"
	reasonIDGeneration  = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsPolicyError reports whether err is an expected rejection rather than a store failure.
func IsPolicyError(err error) bool {
	for _, target := range []error{
		ErrInvalidCoordinate, ErrInvalidColor, ErrInvalidUsername, ErrInvalidAmount, ErrInvalidPeriod,
		ErrRateLimited, ErrBoardFrozen, ErrInsufficientCredits, ErrUserNotFound, ErrUsernameTaken,
		ErrPlacementNotFound, ErrArchiveNotFound, ErrNotOwner, ErrWindowExpired, ErrAlreadyConsumed,
		ErrAlreadyVoted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
