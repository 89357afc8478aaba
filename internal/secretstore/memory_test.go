package secretstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetPutDelete(t *testing.T) {
	store := NewMemory()

	_, err := store.Get("host.password.abc")
	require.Error(t, err)

	require.NoError(t, store.Put("host.password.abc", []byte("hunter2")))

	got, err := store.Get("host.password.abc")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got)

	// returned bytes must be a copy, not an alias of internal storage.
	got[0] = 'X'
	got2, err := store.Get("host.password.abc")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got2)

	require.NoError(t, store.Delete("host.password.abc"))
	_, err = store.Get("host.password.abc")
	require.Error(t, err)

	// deleting an absent key is a no-op success.
	require.NoError(t, store.Delete("host.password.abc"))
}

func TestMemoryOverwrite(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Put("credential.1", []byte("first")))
	require.NoError(t, store.Put("credential.1", []byte("second")))

	got, err := store.Get("credential.1")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}
