package config_test

import (
	"testing"

	"github.com/mahaj/garage-relay/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleConfigParses(t *testing.T) {
	cfg, err := config.Load("../../config.example.yaml", zerolog.Nop())
	require.NoError(t, err)

	want := config.Default()
	assert.Equal(t, want.Presence, cfg.Presence)
	assert.Equal(t, want.Kafka, cfg.Kafka)
	assert.Equal(t, want.Storage, cfg.Storage)
	assert.Empty(t, cfg.Auth.JWTSecret)
}
