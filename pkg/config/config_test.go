package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c := Load()
	assert.Equal(t, "8081", c.Server.Port)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, "memory", c.Notifier.Kind)
	assert.Equal(t, "Mr. Monopoly", c.Assistant.Persona)
	assert.Equal(t, 60*time.Second, c.Assistant.Timeout)
	assert.True(t, c.IsDevelopment())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BASE_URL", "https://rooms.example.com/")
	t.Setenv("ROOM_SEED", "aisle-7=Aisle 7, deli=Deli ,")
	t.Setenv("SEND_RATE", "0.5")
	t.Setenv("ASSIST_BREAKER_FAILURES", "3")
	t.Setenv("ASSIST_TIMEOUT", "5s")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	c := Load()
	assert.Equal(t, "9000", c.Server.Port)
	assert.Equal(t, "https://rooms.example.com", c.Server.BaseURL)
	assert.Equal(t, []string{"aisle-7=Aisle 7", "deli=Deli"}, c.Server.RoomSeed)
	assert.Equal(t, 0.5, c.Security.SendRate)
	assert.Equal(t, uint(3), c.Assistant.FailureThreshold)
	assert.Equal(t, 5*time.Second, c.Assistant.Timeout)
	assert.Equal(t, 20, c.Database.MaxConns)
}

func TestNewDB_SQLite(t *testing.T) {
	c := Load()
	c.Database.Driver = "sqlite"
	c.Database.DSN = "file::memory:"
	c.Server.Env = "test"

	db, err := NewDB(c)
	require.NoError(t, err)
	assert.NoError(t, TestConnection(db))
}

func TestNewDB_UnknownDriver(t *testing.T) {
	c := Load()
	c.Database.Driver = "oracle"
	_, err := NewDB(c)
	assert.Error(t, err)
}
