package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "pixelcanvas_user_id"
	defaultHeartbeatInterval = 25 * time.Second
	tokenTypeBearer          = "Bearer"
)

var (
	errMissingCanvasService = errors.New("canvas service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CanvasService is the engine surface the HTTP boundary needs.
type CanvasService interface {
	CreateUser(ctx context.Context, username string, initialCredits int64) (canvas.User, error)
	GetUser(ctx context.Context, userID int64) (canvas.User, error)
	FindUserByUsername(ctx context.Context, username string) (canvas.User, error)
	PlacePixel(ctx context.Context, request canvas.PlacementRequest) (canvas.PlacementResult, error)
	UndoPlacement(ctx context.Context, placementID, userID int64) (canvas.UndoResult, error)
	ReportPixel(ctx context.Context, request canvas.ReportRequest) (canvas.ReportResult, error)
	GetBoard(ctx context.Context) ([]canvas.Pixel, error)
	GetStats(ctx context.Context) (canvas.Stats, error)
	ListArchives(ctx context.Context) ([]canvas.Archive, error)
	GetArchive(ctx context.Context, archiveID string) (canvas.ArchiveDetail, error)
	CastVote(ctx context.Context, userID int64, archiveID string) (canvas.Vote, error)
	ResolveMonthlyWinner(ctx context.Context, year int, month time.Month) (canvas.MonthlyResult, error)
}

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueUserToken(ctx context.Context, userID int64, username string) (string, int64, error)
	ValidateToken(token string) (int64, error)
}

type Dependencies struct {
	Canvas            CanvasService
	TokenManager      TokenManager
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Canvas == nil {
		return nil, errMissingCanvasService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		canvas:    deps.Canvas,
		tokens:    deps.TokenManager,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/users", handler.handleCreateUser)
	router.GET("/users/:id", handler.handleGetUser)
	router.GET("/board", handler.handleGetBoard)
	router.GET("/board/stream", handler.handleBoardStream)
	router.GET("/stats", handler.handleGetStats)
	router.GET("/archives", handler.handleListArchives)
	router.GET("/archives/:id", handler.handleGetArchive)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/pixels", handler.handlePlacePixel)
	protected.POST("/placements/:id/undo", handler.handleUndoPlacement)
	protected.POST("/reports", handler.handleReportPixel)
	protected.POST("/votes", handler.handleCastVote)
	protected.POST("/rewards/:year/:month/resolve", handler.handleResolveMonthlyWinner)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	canvas    CanvasService
	tokens    TokenManager
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

type loginRequestPayload struct {
	Username string `json:"username"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      int64  `json:"user_id"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.canvas.FindUserByUsername(c.Request.Context(), request.Username)
	if err != nil {
		if errors.Is(err, canvas.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueUserToken(c.Request.Context(), user.ID, user.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   tokenTypeBearer,
		UserID:      user.ID,
	})
}

type createUserRequestPayload struct {
	Username       string `json:"username"`
	InitialCredits int64  `json:"initial_credits"`
}

type userPayload struct {
	ID                     int64  `json:"id"`
	Username               string `json:"username"`
	Credits                int64  `json:"credits"`
	LifetimePaidPlacements int64  `json:"lifetime_paid_placements"`
	UndosThisWeek          int64  `json:"undos_this_week"`
	AdViolations           int64  `json:"ad_violations"`
	LastRewardMonth        *int64 `json:"last_reward_month,omitempty"`
	CreatedAtSeconds       int64  `json:"created_at_s"`
}

func newUserPayload(user canvas.User) userPayload {
	return userPayload{
		ID:                     user.ID,
		Username:               user.Username,
		Credits:                user.Credits,
		LifetimePaidPlacements: user.LifetimePaidPlacements,
		UndosThisWeek:          user.UndosThisWeek,
		AdViolations:           user.AdViolations,
		LastRewardMonth:        user.LastRewardMonth,
		CreatedAtSeconds:       user.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	var request createUserRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.canvas.CreateUser(c.Request.Context(), request.Username, request.InitialCredits)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newUserPayload(user))
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	userID, ok := parsePositiveID(c, "id")
	if !ok {
		return
	}
	user, err := h.canvas.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}

type pixelPayload struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	OwnerID   *int64 `json:"owner_id"`
	IsAd      bool   `json:"is_ad"`
	CostLevel int64  `json:"cost_level"`
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	pixels, err := h.canvas.GetBoard(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]pixelPayload, 0, len(pixels))
	for _, pixel := range pixels {
		response = append(response, pixelPayload{
			X:         pixel.X,
			Y:         pixel.Y,
			Color:     pixel.Color,
			OwnerID:   pixel.OwnerID,
			IsAd:      pixel.IsAd,
			CostLevel: pixel.CostLevel,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pixels": response})
}

type statsPayload struct {
	BoardSize            int   `json:"board_size"`
	PriceCap             int64 `json:"price_cap"`
	PlacementsThisWeek   int64 `json:"placements_this_week"`
	BoardFrozen          bool  `json:"board_frozen"`
	ReportsThisWeek      int64 `json:"reports_this_week"`
	ReportThreshold      int64 `json:"report_threshold"`
	TotalPixels          int64 `json:"total_pixels"`
	PixelsAtCap          int64 `json:"pixels_at_cap"`
	WeekStartSeconds     int64 `json:"week_start_s"`
	WeekEndSeconds       int64 `json:"week_end_s"`
	LastPlacementSeconds int64 `json:"last_placement_s"`
	InactivityFreeActive bool  `json:"inactivity_free_active"`
}

func (h *httpHandler) handleGetStats(c *gin.Context) {
	stats, err := h.canvas.GetStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsPayload{
		BoardSize:            stats.BoardSize,
		PriceCap:             stats.PriceCap,
		PlacementsThisWeek:   stats.PlacementsThisWeek,
		BoardFrozen:          stats.BoardFrozen,
		ReportsThisWeek:      stats.ReportsThisWeek,
		ReportThreshold:      stats.ReportThreshold,
		TotalPixels:          stats.TotalPixels,
		PixelsAtCap:          stats.PixelsAtCap,
		WeekStartSeconds:     stats.WeekStart.Unix(),
		WeekEndSeconds:       stats.WeekEnd.Unix(),
		LastPlacementSeconds: stats.LastPlacementAt.Unix(),
		InactivityFreeActive: stats.InactivityFreeActive,
	})
}

type archivePayload struct {
	ID                string                 `json:"id"`
	WeekStartSeconds  int64                  `json:"week_start_s"`
	WeekEndSeconds    int64                  `json:"week_end_s"`
	TotalPlacements   int64                  `json:"total_placements"`
	Contributors      int64                  `json:"contributors"`
	ArchivedAtSeconds int64                  `json:"archived_at_s"`
	Pixels            []canvas.ArchivedPixel `json:"pixels,omitempty"`
}

func newArchivePayload(archive canvas.Archive) archivePayload {
	return archivePayload{
		ID:                archive.ID,
		WeekStartSeconds:  archive.WeekStartSeconds,
		WeekEndSeconds:    archive.WeekEndSeconds,
		TotalPlacements:   archive.TotalPlacements,
		Contributors:      archive.Contributors,
		ArchivedAtSeconds: archive.ArchivedAtSeconds,
	}
}

func (h *httpHandler) handleListArchives(c *gin.Context) {
	archives, err := h.canvas.ListArchives(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]archivePayload, 0, len(archives))
	for _, archive := range archives {
		response = append(response, newArchivePayload(archive))
	}
	c.JSON(http.StatusOK, gin.H{"archives": response})
}

func (h *httpHandler) handleGetArchive(c *gin.Context) {
	detail, err := h.canvas.GetArchive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := newArchivePayload(detail.Archive)
	response.Pixels = detail.Pixels
	c.JSON(http.StatusOK, response)
}

type placePixelRequestPayload struct {
	X     *int   `json:"x"`
	Y     *int   `json:"y"`
	Color string `json:"color"`
	IsAd  bool   `json:"is_ad"`
}

type placePixelResponsePayload struct {
	PlacementID int64  `json:"placement_id"`
	Cost        int64  `json:"cost"`
	WasFree     bool   `json:"was_free"`
	FreeReason  string `json:"free_reason,omitempty"`
	NewBalance  int64  `json:"new_balance"`
	CostLevel   int64  `json:"cost_level"`
	PriceCap    int64  `json:"price_cap"`
}

func (h *httpHandler) handlePlacePixel(c *gin.Context) {
	var request placePixelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.canvas.PlacePixel(c.Request.Context(), canvas.PlacementRequest{
		UserID: c.GetInt64(userIDContextKey),
		X:      *request.X,
		Y:      *request.Y,
		Color:  request.Color,
		IsAd:   request.IsAd,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, placePixelResponsePayload{
		PlacementID: result.PlacementID,
		Cost:        result.Cost,
		WasFree:     result.WasFree,
		FreeReason:  string(result.FreeReason),
		NewBalance:  result.NewBalance,
		CostLevel:   result.CostLevel,
		PriceCap:    result.PriceCap,
	})
}

func (h *httpHandler) handleUndoPlacement(c *gin.Context) {
	placementID, ok := parsePositiveID(c, "id")
	if !ok {
		return
	}
	result, err := h.canvas.UndoPlacement(c.Request.Context(), placementID, c.GetInt64(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"placement_id": result.PlacementID,
		"undo_cost":    result.UndoCost,
		"new_balance":  result.NewBalance,
		"pixel": pixelPayload{
			X:         result.Pixel.X,
			Y:         result.Pixel.Y,
			Color:     result.Pixel.Color,
			OwnerID:   result.Pixel.OwnerID,
			IsAd:      result.Pixel.IsAd,
			CostLevel: result.Pixel.CostLevel,
		},
	})
}

type reportRequestPayload struct {
	X      *int   `json:"x"`
	Y      *int   `json:"y"`
	Reason string `json:"reason"`
}

func (h *httpHandler) handleReportPixel(c *gin.Context) {
	var request reportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.canvas.ReportPixel(c.Request.Context(), canvas.ReportRequest{
		UserID: c.GetInt64(userIDContextKey),
		X:      *request.X,
		Y:      *request.Y,
		Reason: request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"report_id":        result.ReportID,
		"report_count":     result.ReportCount,
		"report_threshold": result.ReportThreshold,
		"board_frozen":     result.BoardFrozen,
	})
}

type voteRequestPayload struct {
	ArchiveID string `json:"archive_id"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ArchiveID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	vote, err := h.canvas.CastVote(c.Request.Context(), c.GetInt64(userIDContextKey), strings.TrimSpace(request.ArchiveID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"vote_id":    vote.ID,
		"archive_id": vote.ArchiveID,
		"year":       vote.Year,
		"month":      vote.Month,
	})
}

type rewardWinnerPayload struct {
	UserID         int64 `json:"user_id"`
	Placements     int64 `json:"placements"`
	Paid           bool  `json:"paid"`
	CooldownActive bool  `json:"cooldown_active"`
	Reward         int64 `json:"reward"`
	NewBalance     int64 `json:"new_balance"`
}

func (h *httpHandler) handleResolveMonthlyWinner(c *gin.Context) {
	year, yearErr := strconv.Atoi(c.Param("year"))
	month, monthErr := strconv.Atoi(c.Param("month"))
	if yearErr != nil || monthErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
		return
	}
	result, err := h.canvas.ResolveMonthlyWinner(c.Request.Context(), year, time.Month(month))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := gin.H{
		"year":       result.Year,
		"month":      int(result.Month),
		"archive_id": result.ArchiveID,
		"votes":      result.Votes,
		"winner":     nil,
	}
	if result.Winner != nil {
		response["winner"] = rewardWinnerPayload{
			UserID:         result.Winner.UserID,
			Placements:     result.Winner.Placements,
			Paid:           result.Winner.Paid,
			CooldownActive: result.Winner.CooldownActive,
			Reward:         result.Winner.Reward,
			NewBalance:     result.Winner.NewBalance,
		}
	}
	c.JSON(http.StatusOK, response)
}

type boardEventPayload struct {
	X                int    `json:"x"`
	Y                int    `json:"y"`
	Color            string `json:"color,omitempty"`
	ArchiveID        string `json:"archive_id,omitempty"`
	TimestampSeconds int64  `json:"ts"`
}

func (h *httpHandler) handleBoardStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	// The first heartbeat tells clients the subscription is live.
	c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), boardEventPayload{
				X:                event.X,
				Y:                event.Y,
				Color:            event.Color,
				ArchiveID:        event.ArchiveID,
				TimestampSeconds: event.Timestamp.Unix(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": tick.UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, tokenTypeBearer+" ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, tokenTypeBearer+" "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func parsePositiveID(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: canvas.ErrInvalidCoordinate, status: http.StatusBadRequest, code: "invalid_coordinate"},
	{target: canvas.ErrInvalidColor, status: http.StatusBadRequest, code: "invalid_color"},
	{target: canvas.ErrInvalidUsername, status: http.StatusBadRequest, code: "invalid_username"},
	{target: canvas.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: canvas.ErrInvalidPeriod, status: http.StatusBadRequest, code: "invalid_period"},
	{target: canvas.ErrInsufficientCredits, status: http.StatusPaymentRequired, code: "insufficient_credits"},
	{target: canvas.ErrNotOwner, status: http.StatusForbidden, code: "not_owner"},
	{target: canvas.ErrUserNotFound, status: http.StatusNotFound, code: "user_not_found"},
	{target: canvas.ErrPlacementNotFound, status: http.StatusNotFound, code: "placement_not_found"},
	{target: canvas.ErrArchiveNotFound, status: http.StatusNotFound, code: "archive_not_found"},
	{target: canvas.ErrUsernameTaken, status: http.StatusConflict, code: "username_taken"},
	{target: canvas.ErrAlreadyConsumed, status: http.StatusConflict, code: "already_consumed"},
	{target: canvas.ErrAlreadyVoted, status: http.StatusConflict, code: "already_voted"},
	{target: canvas.ErrWindowExpired, status: http.StatusGone, code: "window_expired"},
	{target: canvas.ErrBoardFrozen, status: http.StatusLocked, code: "board_frozen"},
	{target: canvas.ErrRateLimited, status: http.StatusTooManyRequests, code: "rate_limited"},
	{target: canvas.ErrTransient, status: http.StatusServiceUnavailable, code: "transient_failure"},
}

// respondError maps engine errors to statuses; store failures are logged by the engine.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			c.JSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}
	var serviceErr *canvas.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
		return
	}
	h.logger.Error("unmapped request failure", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
