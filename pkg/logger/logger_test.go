package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("debug", "json", &buf)

	log.WithField("backend", "mongo").
		WithError(errors.New("connection refused")).
		Warn("Backend became unhealthy", Field{Key: "attempt", Value: 2})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "Backend became unhealthy", entry["msg"])
	assert.Equal(t, "mongo", entry["backend"])
	assert.Equal(t, "connection refused", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("error", "text", &buf)

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("verbose", "json", &buf)

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithFields_DoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("info", "json", &buf)

	parent.WithFields(Fields{"rule_id": "r1"}).Info("child")
	buf.Reset()

	parent.Info("parent")
	assert.NotContains(t, buf.String(), "rule_id")
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().WithField("k", "v").Error("nothing")
	})
}
