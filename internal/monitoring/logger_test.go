package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLoggerRedirects(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var captured string
	SetLogger(func(format string, v ...interface{}) {
		captured = fmt.Sprintf(format, v...)
	})
	Logf("dropped frame seq %d", 7)
	assert.Equal(t, "dropped frame seq 7", captured)
}

func TestSetLoggerNilMutes(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(string, ...interface{}) { called = true })
	SetLogger(nil)
	require.NotNil(t, Logf)
	Logf("should vanish")
	assert.False(t, called)
}

func TestDefaultLoggerIsSet(t *testing.T) {
	require.NotNil(t, Logf)
}
