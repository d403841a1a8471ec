package reference

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sample = `ID_indicateur,indicateur,type
1,LocNLAPAG1RESUCC.X,counter
2,LocNLAPAG1TOT.X,counter
3,ChasNCHAFRMSUCC,counter
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, 3, m.Len())

	name, ok := m.Resolve(2)
	require.True(t, ok)
	require.Equal(t, "LocNLAPAG1TOT.X", name)

	_, ok = m.Resolve(99)
	require.False(t, ok)

	require.Equal(t, []string{"ChasNCHAFRMSUCC", "LocNLAPAG1RESUCC", "LocNLAPAG1TOT"}, m.Counters())
	require.Equal(t, []string{"LocNLALOCTOT"}, m.Missing([]string{"LocNLAPAG1TOT", "LocNLALOCTOT", "ChasNCHAFRMSUCC"}))
	require.Empty(t, m.Missing(m.Counters()))
}

func TestParseRejectsBadRows(t *testing.T) {
	_, err := Parse(strings.NewReader("id,name\n1,a\n"))
	require.Error(t, err)

	_, err = Parse(strings.NewReader("ID_indicateur,indicateur\nabc,a\n"))
	require.Error(t, err)
}

func TestLoaderCachesByBaseName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "indicateur_RAIND-APG43_5.csv"), []byte(sample), 0o644))

	l := NewLoader(dir, zaptest.NewLogger(t))
	a, err := l.Load("RAIND-APG43_5_S01_A2024")
	require.NoError(t, err)
	require.Equal(t, 3, a.Len())

	b, err := l.Load("RAIND-APG43_5_S02_A2024")
	require.NoError(t, err)
	require.Same(t, a, b, "tables of one family share a mapping")

	// served from cache once loaded
	require.NoError(t, os.Remove(l.PathFor("RAIND-APG43_5_S01_A2024")))
	c, err := l.Load("RAIND-APG43_5_S03_A2024")
	require.NoError(t, err)
	require.Same(t, a, c)
}

func TestLoaderMissingDatasetIsEmpty(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, zaptest.NewLogger(t))

	m, err := l.Load("CALIS_APG43_5_S01_A2024")
	require.NoError(t, err)
	require.True(t, m.Empty())

	// a dataset supplied later is picked up
	require.NoError(t, os.WriteFile(l.PathFor("CALIS_APG43_5_S01_A2024"), []byte(sample), 0o644))
	m, err = l.Load("CALIS_APG43_5_S01_A2024")
	require.NoError(t, err)
	require.False(t, m.Empty())
}
