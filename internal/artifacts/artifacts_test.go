package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUsesBasenameOnly(t *testing.T) {
	require.Equal(t, filepath.Join("/root", "artifacts", "out.json"), Resolve("/root", "../../etc/out.json"))
	require.Equal(t, filepath.Join("/root", "artifacts", "out.json"), Resolve("/root", "out.json"))
}

func TestMissingOutputs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))
	require.NoError(t, os.WriteFile(Resolve(root, "have.txt"), []byte("x"), 0o644))

	missing := MissingOutputs(root, []string{"have.txt", "nope.txt"})
	require.Equal(t, []string{"nope.txt"}, missing)
}

func TestValidateOptions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))
	require.NoError(t, os.WriteFile(Resolve(root, "empty.json"), nil, 0o644))
	require.NoError(t, os.WriteFile(Resolve(root, "bad.json"), []byte("{nope"), 0o644))
	require.NoError(t, os.WriteFile(Resolve(root, "good.json"), []byte(`{"ok":true}`), 0o644))

	problems := Validate(root, []string{"empty.json"}, ValidationOptions{RequireNonEmpty: true})
	require.Equal(t, []string{"empty.json (empty)"}, problems)

	problems = Validate(root, []string{"bad.json", "good.json"}, ValidationOptions{RequireJSON: true})
	require.Equal(t, []string{"bad.json (not valid JSON)"}, problems)

	problems = Validate(root, []string{"good.json"}, ValidationOptions{RequireNonEmpty: true, RequireJSON: true})
	require.Empty(t, problems)
}

func TestScanManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))
	require.NoError(t, os.WriteFile(Resolve(root, "a.txt"), []byte("hello"), 0o644))

	m, err := Scan(root, "t1", []string{"a.txt"})
	require.NoError(t, err)
	require.Equal(t, "t1", m.TaskID)
	require.Len(t, m.Files, 1)
	require.Equal(t, "a.txt", m.Files[0].Name)
	require.Equal(t, int64(5), m.Files[0].Size)
	require.Len(t, m.Files[0].SHA256, 64)
}

func TestScanMissingFileErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))
	_, err := Scan(root, "t1", []string{"ghost.txt"})
	require.Error(t, err)
}
