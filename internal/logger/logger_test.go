package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_RejectsBadLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "chatty"}))
}

func TestWithComponent(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug"}))

	var buf bytes.Buffer
	SetOutput(&buf)

	log := WithComponent("cluster")
	log.Info().Int("points", 3).Msg("index built")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cluster", entry["component"])
	assert.Equal(t, "index built", entry["message"])
	assert.Equal(t, float64(3), entry["points"])
}

func TestInit_LevelFilters(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))

	var buf bytes.Buffer
	SetOutput(&buf)

	Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
