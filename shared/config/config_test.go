package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ServerAddr string        `env:"SERVER_ADDR" envDefault:":8080"`
	RedisDB    int           `env:"REDIS_DB" envDefault:"0"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"5s"`
	Required   string        `env:"REQUIRED_VALUE,required"`
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REQUIRED_VALUE", "x")

	var cfg testConfig
	require.NoError(t, Load(&cfg))
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REQUIRED_VALUE", "x")
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TIMEOUT", "250ms")

	var cfg testConfig
	require.NoError(t, Load(&cfg))
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
}

func TestLoadErrors(t *testing.T) {
	var cfg testConfig
	assert.Error(t, Load(&cfg), "missing required variable")

	t.Setenv("REQUIRED_VALUE", "x")
	t.Setenv("REDIS_DB", "not-a-number")
	assert.Error(t, Load(&cfg))
}
