package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op; the previous logger must not be reached
	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called)
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetDebug(false)
	Debugf("frame %d", 1)
	assert.Empty(t, lines)
	assert.False(t, DebugEnabled())

	SetDebug(true)
	Debugf("frame %d", 2)
	assert.True(t, DebugEnabled())
	assert.Equal(t, []string{"[debug] frame 2"}, lines)
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}
