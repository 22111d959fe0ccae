package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenManager{}}); err == nil {
		t.Fatalf("expected error for missing canvas service")
	}
	if _, err := NewHTTPHandler(Dependencies{Canvas: &canvas.Service{}}); err == nil {
		t.Fatalf("expected error for missing token manager")
	}
}

func TestCORSPreflightAllowsAuthorizationHeader(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())

	request := httptest.NewRequest(http.MethodOptions, "/pixels", http.NoBody)
	request.Header.Set("Origin", "https://canvas.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())

	expectError(t, server.do(t, http.MethodPost, "/auth/login", "", map[string]any{"username": "ghost"}), http.StatusUnauthorized, "unauthorized")
	expectError(t, server.do(t, http.MethodPost, "/auth/login", "", map[string]any{}), http.StatusBadRequest, "invalid_request")
}

func TestCreateUserMapsValidationErrors(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())
	server.signup(t, "painter", 1000)

	expectError(t, server.do(t, http.MethodPost, "/users", "", map[string]any{"username": "painter"}), http.StatusConflict, "username_taken")
	expectError(t, server.do(t, http.MethodPost, "/users", "", map[string]any{"username": " "}), http.StatusBadRequest, "invalid_username")
	expectError(t, server.do(t, http.MethodPost, "/users", "", map[string]any{"username": "debtor", "initial_credits": -5}), http.StatusBadRequest, "invalid_amount")
	expectError(t, server.do(t, http.MethodGet, "/users/999", "", nil), http.StatusNotFound, "user_not_found")
	expectError(t, server.do(t, http.MethodGet, "/users/abc", "", nil), http.StatusBadRequest, "invalid_id")
}

func TestPlacementLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())
	userID, token := server.signup(t, "painter", 10000)

	unauthorized := server.do(t, http.MethodPost, "/pixels", "", map[string]any{"x": 1, "y": 1, "color": "#FF0000"})
	if unauthorized.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized placement, got %d", unauthorized.Code)
	}

	placed := server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 1, "y": 1, "color": "#ff0000"})
	if placed.Code != http.StatusOK {
		t.Fatalf("unexpected placement status %d: %s", placed.Code, placed.Body.String())
	}
	var placement placePixelResponsePayload
	decodeBody(t, placed, &placement)
	if placement.Cost != 1000 || placement.NewBalance != 9000 || placement.WasFree {
		t.Fatalf("unexpected placement %#v", placement)
	}

	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 2, "y": 2, "color": "#00FF00"}), http.StatusTooManyRequests, "rate_limited")
	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 1024, "y": 2, "color": "#00FF00"}), http.StatusBadRequest, "invalid_coordinate")
	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 2, "y": 2, "color": "green"}), http.StatusBadRequest, "invalid_color")
	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"y": 2, "color": "#00FF00"}), http.StatusBadRequest, "invalid_request")

	board := server.do(t, http.MethodGet, "/board", "", nil)
	var boardBody struct {
		Pixels []pixelPayload `json:"pixels"`
	}
	decodeBody(t, board, &boardBody)
	if len(boardBody.Pixels) != 1 || boardBody.Pixels[0].Color != "#FF0000" || *boardBody.Pixels[0].OwnerID != userID {
		t.Fatalf("unexpected board %#v", boardBody.Pixels)
	}

	server.clock.Advance(time.Minute)
	undone := server.do(t, http.MethodPost, fmt.Sprintf("/placements/%d/undo", placement.PlacementID), token, nil)
	if undone.Code != http.StatusOK {
		t.Fatalf("unexpected undo status %d: %s", undone.Code, undone.Body.String())
	}
	var undo struct {
		UndoCost   int64        `json:"undo_cost"`
		NewBalance int64        `json:"new_balance"`
		Pixel      pixelPayload `json:"pixel"`
	}
	decodeBody(t, undone, &undo)
	if undo.UndoCost != 250 || undo.NewBalance != 8750 || undo.Pixel.Color != canvas.DefaultColor {
		t.Fatalf("unexpected undo %#v", undo)
	}

	expectError(t, server.do(t, http.MethodPost, fmt.Sprintf("/placements/%d/undo", placement.PlacementID), token, nil), http.StatusConflict, "already_consumed")
	expectError(t, server.do(t, http.MethodPost, "/placements/999/undo", token, nil), http.StatusNotFound, "placement_not_found")

	profile := server.do(t, http.MethodGet, fmt.Sprintf("/users/%d", userID), "", nil)
	var user userPayload
	decodeBody(t, profile, &user)
	if user.Credits != 8750 || user.UndosThisWeek != 1 || user.LifetimePaidPlacements != 1 {
		t.Fatalf("unexpected user %#v", user)
	}
}

func TestUndoOwnershipAndWindowOverHTTP(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())
	_, ownerToken := server.signup(t, "owner", 10000)
	_, otherToken := server.signup(t, "other", 10000)

	placed := server.do(t, http.MethodPost, "/pixels", ownerToken, map[string]any{"x": 5, "y": 5, "color": "#123456"})
	var placement placePixelResponsePayload
	decodeBody(t, placed, &placement)
	path := fmt.Sprintf("/placements/%d/undo", placement.PlacementID)

	expectError(t, server.do(t, http.MethodPost, path, otherToken, nil), http.StatusForbidden, "not_owner")

	server.clock.Advance(6 * time.Minute)
	expectError(t, server.do(t, http.MethodPost, path, ownerToken, nil), http.StatusGone, "window_expired")
}

func TestInsufficientCreditsMapsToPaymentRequired(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())
	_, token := server.signup(t, "broke", 10)

	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 0, "y": 0, "color": "#123456"}), http.StatusPaymentRequired, "insufficient_credits")
}

func TestReportsFreezeBoardOverHTTP(t *testing.T) {
	policy := canvas.DefaultPolicy()
	policy.ReportThreshold = 2
	server := newTestServer(t, policy)
	_, token := server.signup(t, "reporter", 10000)

	for index := 1; index <= 2; index++ {
		reported := server.do(t, http.MethodPost, "/reports", token, map[string]any{"x": 3, "y": 3, "reason": "spam"})
		if reported.Code != http.StatusCreated {
			t.Fatalf("unexpected report status %d: %s", reported.Code, reported.Body.String())
		}
		var body struct {
			ReportCount int64 `json:"report_count"`
			BoardFrozen bool  `json:"board_frozen"`
		}
		decodeBody(t, reported, &body)
		if body.ReportCount != int64(index) || body.BoardFrozen != (index == 2) {
			t.Fatalf("unexpected report response %#v", body)
		}
	}

	expectError(t, server.do(t, http.MethodPost, "/pixels", token, map[string]any{"x": 0, "y": 0, "color": "#123456"}), http.StatusLocked, "board_frozen")
	expectError(t, server.do(t, http.MethodPost, "/reports", token, map[string]any{"x": -1, "y": 0}), http.StatusBadRequest, "invalid_coordinate")

	stats := server.do(t, http.MethodGet, "/stats", "", nil)
	var body statsPayload
	decodeBody(t, stats, &body)
	if !body.BoardFrozen || body.ReportsThisWeek != 2 || body.ReportThreshold != 2 || body.BoardSize != 1024 {
		t.Fatalf("unexpected stats %#v", body)
	}
}

func TestArchivesVotesAndRewardsOverHTTP(t *testing.T) {
	server := newTestServer(t, canvas.DefaultPolicy())
	painterID, painterToken := server.signup(t, "painter", 10000)
	_, voterToken := server.signup(t, "voter", 0)

	placed := server.do(t, http.MethodPost, "/pixels", painterToken, map[string]any{"x": 7, "y": 7, "color": "#ABCDEF"})
	if placed.Code != http.StatusOK {
		t.Fatalf("unexpected placement status %d", placed.Code)
	}

	server.clock.Advance(7 * 24 * time.Hour)
	listed := server.do(t, http.MethodGet, "/archives", "", nil)
	var archives struct {
		Archives []archivePayload `json:"archives"`
	}
	decodeBody(t, listed, &archives)
	if len(archives.Archives) != 1 || archives.Archives[0].TotalPlacements != 1 {
		t.Fatalf("unexpected archives %#v", archives.Archives)
	}
	archiveID := archives.Archives[0].ID

	detail := server.do(t, http.MethodGet, "/archives/"+archiveID, "", nil)
	var archive archivePayload
	decodeBody(t, detail, &archive)
	if len(archive.Pixels) != 1 || archive.Pixels[0].Color != "#ABCDEF" {
		t.Fatalf("unexpected archive detail %#v", archive)
	}
	expectError(t, server.do(t, http.MethodGet, "/archives/missing", "", nil), http.StatusNotFound, "archive_not_found")

	voted := server.do(t, http.MethodPost, "/votes", voterToken, map[string]any{"archive_id": archiveID})
	if voted.Code != http.StatusCreated {
		t.Fatalf("unexpected vote status %d: %s", voted.Code, voted.Body.String())
	}
	expectError(t, server.do(t, http.MethodPost, "/votes", voterToken, map[string]any{"archive_id": archiveID}), http.StatusConflict, "already_voted")
	expectError(t, server.do(t, http.MethodPost, "/votes", voterToken, map[string]any{}), http.StatusBadRequest, "invalid_request")

	expectError(t, server.do(t, http.MethodPost, "/rewards/2026/3/resolve", "", nil), http.StatusUnauthorized, "unauthorized")
	var unpaid userPayload
	decodeBody(t, server.do(t, http.MethodGet, fmt.Sprintf("/users/%d", painterID), "", nil), &unpaid)
	if unpaid.LastRewardMonth != nil {
		t.Fatalf("unauthenticated resolve must not pay out: %#v", unpaid)
	}

	resolved := server.do(t, http.MethodPost, "/rewards/2026/3/resolve", voterToken, nil)
	if resolved.Code != http.StatusOK {
		t.Fatalf("unexpected resolve status %d: %s", resolved.Code, resolved.Body.String())
	}
	var result struct {
		ArchiveID string               `json:"archive_id"`
		Votes     int64                `json:"votes"`
		Winner    *rewardWinnerPayload `json:"winner"`
	}
	decodeBody(t, resolved, &result)
	if result.ArchiveID != archiveID || result.Votes != 1 || result.Winner == nil {
		t.Fatalf("unexpected resolve result %#v", result)
	}
	if result.Winner.UserID != painterID || !result.Winner.Paid || result.Winner.Reward != 100000 {
		t.Fatalf("unexpected winner %#v", result.Winner)
	}

	expectError(t, server.do(t, http.MethodPost, "/rewards/2026/13/resolve", voterToken, nil), http.StatusBadRequest, "invalid_period")
	expectError(t, server.do(t, http.MethodPost, "/rewards/abc/3/resolve", voterToken, nil), http.StatusBadRequest, "invalid_period")
}
