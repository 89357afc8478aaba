package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFolderRegistry(t *testing.T) *FolderRegistry {
	t.Helper()
	r, err := NewFolderRegistry(FolderRegistryConfig{Path: filepath.Join(t.TempDir(), "folders.json")})
	require.NoError(t, err)
	return r
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := newTestFolderRegistry(t)

	require.NoError(t, r.Ensure("prod"))
	require.NoError(t, r.Ensure("prod"))

	require.Len(t, r.List(), 1)
}

func TestEnsureEmptyNameIsNoop(t *testing.T) {
	r := newTestFolderRegistry(t)

	require.NoError(t, r.Ensure(""))
	require.Empty(t, r.List())
}

func TestRenameMovesTheRecord(t *testing.T) {
	r := newTestFolderRegistry(t)
	require.NoError(t, r.Ensure("prod"))

	require.NoError(t, r.Rename("prod", "production"))

	names := make([]string, 0)
	for _, f := range r.List() {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"production"}, names)
}

func TestRenameUnknownFolderIsNotFound(t *testing.T) {
	r := newTestFolderRegistry(t)
	require.Error(t, r.Rename("ghost", "whatever"))
}

func TestFoldersSurviveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "folders.json")

	r, err := NewFolderRegistry(FolderRegistryConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, r.Ensure("prod"))
	require.NoError(t, r.Ensure("staging"))

	reloaded, err := NewFolderRegistry(FolderRegistryConfig{Path: path})
	require.NoError(t, err)
	require.Len(t, reloaded.List(), 2)
}
