package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Service: "kmsctl", Version: "v1.2.3", Output: &buf})

	log.Debug("hidden")
	log.Info("Unlocked KMS", "user", "alice")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Unlocked KMS", line["msg"])
	assert.Equal(t, "kmsctl", line["service"])
	assert.Equal(t, "v1.2.3", line["version"])
	assert.Equal(t, "alice", line["user"])
}

func TestSetupLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{Debug: true, Output: &buf})

	log.Debug("Persisted store file", "entries", 3)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "entries=3")
	assert.NotContains(t, buf.String(), "service=")
}
