package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

func TestWatcher_EmitsCreatedAndModified(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(logging.NopLogger{})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Add(dir, filepath.Base(dir)))

	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	var gotCreate, gotModify bool
	deadline := time.After(2 * time.Second)
	for !gotCreate || !gotModify {
		select {
		case e := <-w.Events():
			switch e.Kind {
			case Created:
				gotCreate = true
			case Modified:
				gotModify = true
				assert.Equal(t, "hello", string(e.NewContent))
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, create=%v modify=%v", gotCreate, gotModify)
		}
	}
}

func TestEvent_ToParams(t *testing.T) {
	e := Event{Kind: Created, SrcPath: "a/b.txt", IsDirectory: false}
	cmd, params := e.ToParams()
	assert.Equal(t, types.CommandCreated, cmd)
	decoded, err := types.DecodeCreatedParams(params)
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", decoded.SrcPath)
}

func TestEvent_ModifiedToParamsRoundTrips(t *testing.T) {
	e := Event{Kind: Modified, SrcPath: "a.txt", NewContent: []byte("data")}
	cmd, params := e.ToParams()
	assert.Equal(t, types.CommandModified, cmd)
	decoded, err := types.DecodeModifiedParams(params)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), decoded.NewContent)
}
