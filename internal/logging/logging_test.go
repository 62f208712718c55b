package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{})
	})
}

func TestSetup_JSON(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "debug", "json"))

	logrus.WithField("key", "AC23").Debug("Generated key")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "Generated key", line["msg"])
	assert.Equal(t, "AC23", line["key"])
}

func TestSetup_LevelFilters(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "warn", "text"))

	logrus.Info("hidden")
	logrus.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetup_Rejects(t *testing.T) {
	restore(t)
	assert.Error(t, Setup(os.Stderr, "loud", "text"))
	assert.Error(t, Setup(os.Stderr, "info", "xml"))
}
