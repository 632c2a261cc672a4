package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToFile(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	path := filepath.Join(t.TempDir(), "bridge.log")
	Init(zerolog.InfoLevel, path)

	log.Debug().Msg("hidden")
	log.Info().Str("endpoint", "heat_pump").Msg("Relay command")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"endpoint":"heat_pump"`)
	assert.Contains(t, out, `"message":"Relay command"`)
	assert.NotContains(t, out, "hidden")
}

func TestInitBadPathPanics(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	assert.Panics(t, func() {
		Init(zerolog.InfoLevel, filepath.Join(t.TempDir(), "missing", "bridge.log"))
	})
}
