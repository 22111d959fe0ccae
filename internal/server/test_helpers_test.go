package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/database"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type testServer struct {
	handler    http.Handler
	service    *canvas.Service
	tokens     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	clock      *testClock
	db         *gorm.DB
}

func newTestServer(t *testing.T, policy canvas.Policy) *testServer {
	t.Helper()
	return newTestServerAt(t, policy, "file:server-"+uuid.NewString()+"?mode=memory&cache=shared")
}

func newTestServerAt(t *testing.T, policy canvas.Policy, dsn string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(dsn, policy, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &testClock{now: testEpoch}
	// The migration seeded the week at wall-clock time; pin it to the test clock.
	if err := db.Model(&canvas.GlobalState{}).Where("id = ?", 1).Updates(map[string]any{
		"week_start_s":     testEpoch.Unix(),
		"last_placement_s": testEpoch.Unix(),
	}).Error; err != nil {
		t.Fatalf("failed to pin global state: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	service, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		Policy:     policy,
		IDProvider: canvas.NewUUIDProvider(),
		Events:     dispatcher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct canvas service: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "pixelcanvas-api",
		Audience:      "pixelcanvas-client",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Canvas:            service,
		TokenManager:      tokens,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testServer{handler: handler, service: service, tokens: tokens, dispatcher: dispatcher, clock: clock, db: db}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// signup creates a user through the API and logs in as them.
func (s *testServer) signup(t *testing.T, username string, credits int64) (int64, string) {
	t.Helper()
	created := s.do(t, http.MethodPost, "/users", "", map[string]any{"username": username, "initial_credits": credits})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create user status %d: %s", created.Code, created.Body.String())
	}
	login := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{"username": username})
	if login.Code != http.StatusOK {
		t.Fatalf("unexpected login status %d: %s", login.Code, login.Body.String())
	}
	var response loginResponsePayload
	decodeBody(t, login, &response)
	if response.TokenType != "Bearer" || response.AccessToken == "" {
		t.Fatalf("unexpected login response %#v", response)
	}
	return response.UserID, response.AccessToken
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &body)
	if body.Error != code {
		t.Fatalf("expected error %q, got %q", code, body.Error)
	}
}
