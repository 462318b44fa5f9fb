package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

func TestManager_EphemeralMode(t *testing.T) {
	base := t.TempDir()
	mgr := NewManager(base, "abc")

	require.NoError(t, mgr.Create())
	path := mgr.Path()
	require.Equal(t, filepath.Join(base, "build-abc"), path)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	sub, err := mgr.CreateSubdir("src")
	require.NoError(t, err)
	require.DirExists(t, sub)

	require.NoError(t, mgr.Cleanup())
	require.NoDirExists(t, path)
	require.Empty(t, mgr.Path())
}

func TestManager_PersistentMode(t *testing.T) {
	base := t.TempDir()
	mgr := NewPersistentManager(base, "config-7")

	require.NoError(t, mgr.Create())
	require.True(t, mgr.Persistent())
	require.NoError(t, os.WriteFile(filepath.Join(mgr.Path(), "marker"), []byte("x"), 0o600))

	require.NoError(t, mgr.Cleanup())
	require.FileExists(t, filepath.Join(base, "config-7", "marker"))

	again := NewPersistentManager(base, "config-7")
	require.NoError(t, again.Create())
	require.FileExists(t, filepath.Join(again.Path(), "marker"))
}

func TestForBuild(t *testing.T) {
	base := t.TempDir()
	tmp := ForBuild(base, model.ClassTemporary, 3, "id1")
	require.False(t, tmp.Persistent())

	per := ForBuild(base, model.ClassPersistent, 3, "id2")
	require.True(t, per.Persistent())
	require.NoError(t, per.Create())
	require.Equal(t, filepath.Join(base, "config-3"), per.Path())
}

func TestCreateSubdir_RequiresCreate(t *testing.T) {
	_, err := NewManager(t.TempDir(), "x").CreateSubdir("a")
	require.Error(t, err)
}
