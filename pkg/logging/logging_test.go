package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	l, err := New("warn", "console")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zap.InfoLevel))
	require.True(t, l.Core().Enabled(zap.WarnLevel))

	l, err = New("bogus", "json")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zap.InfoLevel))
}

func TestNewRejectsUnknownEncoding(t *testing.T) {
	_, err := New("info", "xml")
	require.Error(t, err)
}
