package di

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"icebreaker/backend/internal/room"
	"icebreaker/backend/internal/store/notify"
	"icebreaker/backend/pkg/config"
	"icebreaker/backend/pkg/jwt"
	"icebreaker/backend/pkg/secrets"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestNew_WiresDefaults(t *testing.T) {
	cfg := config.Load()
	cfg.Server.RoomSeed = []string{"lobby=The Lobby", " quiet ", "=ignored"}
	ctx := context.Background()

	c, err := New(ctx, cfg, openDB(t), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &notify.Broker{}, c.Notifier)
	assert.IsType(t, secrets.Env{}, c.Secrets)
	assert.NotNil(t, c.Rooms)
	assert.Equal(t, cfg.Assistant.Persona, c.Parser.Persona())

	rooms, err := c.Store.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	lobby, err := c.Store.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "The Lobby", lobby.Title)

	c.Health.RunChecks(ctx)
	assert.True(t, c.Health.IsSystemHealthy())
}

func TestNew_SecretsOverrideConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-secrets")
	cfg := config.Load()
	cfg.JWT.Secret = "from-config"

	c, err := New(context.Background(), cfg, openDB(t), nil)
	require.NoError(t, err)
	defer c.Close()

	token, err := c.Tokens.GenerateToken("u1", "kit")
	require.NoError(t, err)

	signedWithSecret, err := jwt.NewService("from-secrets", time.Hour, cfg.JWT.Issuer)
	require.NoError(t, err)
	claims, err := signedWithSecret.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
}

func TestNew_UnknownNotifier(t *testing.T) {
	cfg := config.Load()
	cfg.Notifier.Kind = "carrier-pigeon"

	_, err := New(context.Background(), cfg, openDB(t), nil)
	assert.ErrorContains(t, err, "unknown notifier")
}

func TestNewSession_JoinsRoom(t *testing.T) {
	cfg := config.Load()
	cfg.Server.RoomSeed = []string{"lobby=The Lobby"}
	c, err := New(context.Background(), cfg, openDB(t), nil)
	require.NoError(t, err)
	defer c.Close()

	s := c.NewSession("lobby", "u1")
	defer s.Teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	view := s.View()
	assert.Equal(t, room.StateActive, view.State)
	assert.Equal(t, "The Lobby", view.Title)

	require.NoError(t, s.Send(ctx, "hello"))
	assert.Eventually(t, func() bool { return len(s.View().Messages) == 1 }, 2*time.Second, 10*time.Millisecond)
}
