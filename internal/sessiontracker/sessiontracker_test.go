package sessiontracker

import (
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	tr, err := New(Config{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return tr, path
}

func TestRegisterThenGetPersistedSessions(t *testing.T) {
	tr, _ := newTestTracker(t)

	id, err := tr.RegisterSession("h1", KindShell)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	records := tr.GetPersistedSessions()
	require.Len(t, records, 1)
	require.Equal(t, "h1", records[0].HostID)
	require.Equal(t, KindShell, records[0].Kind)
}

func TestUnregisterRemovesRecord(t *testing.T) {
	tr, _ := newTestTracker(t)

	id, err := tr.RegisterSession("h1", KindEdit)
	require.NoError(t, err)

	require.NoError(t, tr.Unregister(id))
	require.Len(t, tr.GetPersistedSessions(), 0)
}

func TestUnregisterUnknownIDIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Unregister("does-not-exist"))
}

func TestRecordsSurviveReload(t *testing.T) {
	tr, path := newTestTracker(t)

	_, err := tr.RegisterSession("h1", KindShell)
	require.NoError(t, err)
	_, err = tr.RegisterSession("h2", KindEdit)
	require.NoError(t, err)

	reloaded, err := New(Config{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	require.Len(t, reloaded.GetPersistedSessions(), 2)
}

func TestRegisterRejectsEmptyHostID(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.RegisterSession("", KindShell)
	require.Error(t, err)
}
