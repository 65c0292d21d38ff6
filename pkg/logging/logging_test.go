package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"silent":  logrus.PanicLevel,
		"error":   logrus.ErrorLevel,
		"WARN":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"info":    logrus.InfoLevel,
		"debug":   logrus.DebugLevel,
		"":        logrus.InfoLevel,
		"chatty":  logrus.InfoLevel,
	}
	for name, want := range cases {
		assert.Equal(t, want, Level(name), name)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Output: &buf})
	log.WithField("scenario_id", "speed").Debug("fire dispatched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "speed", line["scenario_id"])
	assert.Equal(t, "fire dispatched", line["msg"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewTextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Output: &buf})
	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("fire coalesced")
	assert.Contains(t, buf.String(), "fire coalesced")
	assert.Contains(t, buf.String(), "level=warning")
}
