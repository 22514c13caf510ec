package radwin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncobj_Lifecycle(t *testing.T) {
	d, f := newTestDevice(t, "")

	s, err := d.CreateSyncobj(false)
	require.NoError(t, err)

	ok, err := s.Wait(0, false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Signal())
	ok, err = s.Wait(0, false)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Reset())
	ok, err = s.Wait(0, false)
	require.NoError(t, err)
	assert.False(t, ok)

	s.Destroy()
	assert.Empty(t, f.syncobjs)
}

func TestSyncobj_CreateSignaled(t *testing.T) {
	d, _ := newTestDevice(t, "")

	s, err := d.CreateSyncobj(true)
	require.NoError(t, err)
	ok, err := s.Wait(0, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncobjsWait_AnyVersusAll(t *testing.T) {
	d, _ := newTestDevice(t, "")

	signaled, err := d.CreateSyncobj(true)
	require.NoError(t, err)
	pending, err := d.CreateSyncobj(false)
	require.NoError(t, err)

	objs := []*Syncobj{signaled, pending}

	ok, err := d.SyncobjsWait(objs, false, false, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.SyncobjsWait(objs, true, false, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.SyncobjsWait(nil, true, false, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncobj_ExportImport(t *testing.T) {
	d, f := newTestDevice(t, "")

	s, err := d.CreateSyncobj(false)
	require.NoError(t, err)

	fd, err := s.ExportFd()
	require.NoError(t, err)
	imported, err := d.ImportSyncobjFd(fd)
	require.NoError(t, err)
	assert.NotEqual(t, s.Handle, imported.Handle)

	sf, err := s.ExportSyncFile()
	require.NoError(t, err)
	require.NoError(t, s.ImportSyncFile(sf))

	// Importing a sync file replaces the fence on the existing handle.
	assert.True(t, f.syncobjs[s.Handle])
}

func TestSyncobj_SignaledBySubmission(t *testing.T) {
	d, _ := newTestDevice(t, "")
	c := newTestContext(t, d)

	s, err := d.CreateSyncobj(false)
	require.NoError(t, err)

	cs := finalizedCs(t, d, 1)
	require.NoError(t, c.Submit(&SubmitRequest{
		Streams:        []*Cs{cs},
		SignalSyncobjs: []*Syncobj{s},
	}))

	ok, err := s.Wait(0, false)
	require.NoError(t, err)
	assert.True(t, ok)
}
