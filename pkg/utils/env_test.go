package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("KPIETL_TEST_STR", "")
	t.Setenv("KPIETL_TEST_SET", "value")

	require.Equal(t, "def", Env("KPIETL_TEST_STR", "def"))
	require.Equal(t, "value", Env("KPIETL_TEST_SET", "def"))
}

func TestSortedUnique(t *testing.T) {
	got := SortedUnique([]string{"b", "a", " "}, []string{"a", "c"})
	require.Equal(t, []string{"a", "b", "c"}, got)
}
