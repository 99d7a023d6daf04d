package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureLoggerFallsBackToNoOp(t *testing.T) {
	l := EnsureLogger(nil)
	assert.NotNil(t, l)
	assert.IsType(t, &NoOpLogger{}, l)

	// must not panic
	l.Info("hello", "k", "v")
	l.With("k", "v").Debugf("%d", 1)
}

func TestEnsureLoggerKeepsGivenLogger(t *testing.T) {
	given := NewNoOpLogger()
	assert.Same(t, given, EnsureLogger(given))
}

func TestNewDevelopmentLogger(t *testing.T) {
	l, err := New("development")
	assert.NoError(t, err)
	assert.NotNil(t, l)
}
