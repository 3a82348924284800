// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	var c Config
	c.Store.FuseReadSize = 131092
	c.Store.ReadCacheSize = 50
	c.Store.StatusCacheSize = 50
	c.Store.TotalSize = 6
	c.Backend.Kind = "memory"
	return c
}

func TestValidateDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, validate(&c))

	// Worker counts are clamped rather than rejected.
	require.Equal(t, 1, c.Backend.Uploaders)
	require.Equal(t, 1, c.Backend.Downloaders)
	require.Equal(t, 1, c.Bench.Writers)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero total size", func(c *Config) { c.Store.TotalSize = 0 }},
		{"negative read size", func(c *Config) { c.Store.FuseReadSize = -1 }},
		{"zero read cache", func(c *Config) { c.Store.ReadCacheSize = 0 }},
		{"zero status cache", func(c *Config) { c.Store.StatusCacheSize = 0 }},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(&c)
			require.Error(t, validate(&c))
		})
	}
}
