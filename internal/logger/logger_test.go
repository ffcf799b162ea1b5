package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestPrettyFormatterPlain(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("debug", &buf)

	log.WithFields(logrus.Fields{"peer": "abc", "bytes": 12}).Debug("frame sent")

	line := buf.String()
	assert.Contains(t, line, "DEBUG frame sent bytes=12 peer=abc\n")
	assert.NotContains(t, line, "\033[")
}

func TestPrettyFormatterColors(t *testing.T) {
	f := NewPrettyFormatter(true)
	entry := logrus.NewEntry(logrus.New())
	entry.Level = logrus.WarnLevel
	entry.Message = "careful"

	out, err := f.Format(entry)
	assert.NoError(t, err)
	assert.Contains(t, string(out), colorYellow+"WARN "+colorReset+" careful")
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("not-a-level", &buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log = NewLogger("warn", &buf)
	log.Info("hidden")
	log.Warn("shown")
	assert.Contains(t, buf.String(), "WARN  shown")
}
