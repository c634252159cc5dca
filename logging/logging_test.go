package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(&buf, "debug", "json")

	logger.WithField("run_id", "abc").Debug("run started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run started", entry["msg"])
	assert.Equal(t, "abc", entry["run_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewWithOutput_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(&buf, "chatty", "text")

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	logger.Debug("hidden")
	assert.Empty(t, buf.String())
}
