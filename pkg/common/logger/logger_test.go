package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfo(t *testing.T) {
	l := New(&bytes.Buffer{}, "bogus")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	l = New(&bytes.Buffer{}, "debug")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestCaptureTeesOutput(t *testing.T) {
	var main, captured bytes.Buffer
	entry := logrus.NewEntry(New(&main, "info")).WithField("job_id", "job7")

	scoped := Capture(entry, &captured)
	scoped.Info("submitted")

	assert.Contains(t, main.String(), `"msg":"submitted"`)
	assert.Contains(t, captured.String(), `"job_id":"job7"`)
	assert.Equal(t, 1, strings.Count(captured.String(), "\n"))
}
