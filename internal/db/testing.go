package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestStore opens an isolated in-memory store for a test and closes it
// on cleanup.
func NewTestStore(t *testing.T) *Store {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return NewStore(d)
}
