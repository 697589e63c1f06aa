package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsZero(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	seq, err := s.Load("X")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestSaveSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("X", 3))
	require.NoError(t, s.Save("Y", 9))
	require.NoError(t, s.Save("X", 4))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	seq, err := s.Load("X")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"X": 4, "Y": 9}, all)
}

func TestReset(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("X", 3))
	require.NoError(t, s.Reset())

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
