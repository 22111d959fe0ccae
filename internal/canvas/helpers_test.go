package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type testEnv struct {
	service *Service
	clock   *fakeClock
	db      *gorm.DB
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:canvas-" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	db := openTestDatabase(t)
	clock := newFakeClock(testEpoch)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		Policy:     policy,
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return &testEnv{service: service, clock: clock, db: db}
}

// unthrottledPolicy disables the rate limiter so tests can place back to back.
func unthrottledPolicy() Policy {
	policy := DefaultPolicy()
	policy.RateLimitInterval = 0
	return policy
}

func (env *testEnv) createUser(t *testing.T, name string, credits int64) User {
	t.Helper()
	user, err := env.service.CreateUser(context.Background(), name, credits)
	require.NoError(t, err)
	return user
}

func (env *testEnv) place(t *testing.T, userID int64, x, y int, color string) PlacementResult {
	t.Helper()
	result, err := env.service.PlacePixel(context.Background(), PlacementRequest{UserID: userID, X: x, Y: y, Color: color})
	require.NoError(t, err)
	return result
}

func (env *testEnv) user(t *testing.T, userID int64) User {
	t.Helper()
	user, err := env.service.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user
}

func (env *testEnv) pixel(t *testing.T, x, y int) Pixel {
	t.Helper()
	var pixel Pixel
	require.NoError(t, env.db.Where("x = ? AND y = ?", x, y).Take(&pixel).Error)
	return pixel
}

func (env *testEnv) globalState(t *testing.T) GlobalState {
	t.Helper()
	var state GlobalState
	require.NoError(t, env.db.Take(&state, globalStateID).Error)
	return state
}

func (env *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	require.NoError(t, env.db.Model(model).Count(&total).Error)
	return total
}
