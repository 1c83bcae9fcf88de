package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGroupProbeRoundTrip(t *testing.T) {
	m := must.M1(New(t.TempDir()))
	const key = "0123abcd"

	path1 := must.M1(m.Put(key, []byte("ttir text"), "kernel.ttir"))
	path2 := must.M1(m.Put(key, []byte{0xde, 0xad}, "kernel.cubin"))
	group := map[string]string{
		"kernel.ttir":  path1,
		"kernel.cubin": path2,
	}
	require.NoError(t, m.PutGroup(key, "kernel.json", group))

	probed, hit := m.Probe(key, "kernel.json")
	require.True(t, hit)
	require.Len(t, probed, 2)
	assert.Equal(t, []byte("ttir text"), must.M1(os.ReadFile(probed["kernel.ttir"])))
	assert.Equal(t, []byte{0xde, 0xad}, must.M1(os.ReadFile(probed["kernel.cubin"])))
}

func TestProbeMissWithoutGroupCommit(t *testing.T) {
	// Individual artifacts written but no group committed: the run never became
	// visible, e.g. because the compiling process died mid-way.
	m := must.M1(New(t.TempDir()))
	const key = "feedbeef"
	_ = must.M1(m.Put(key, []byte("ptx"), "kernel.ptx"))

	_, hit := m.Probe(key, "kernel.json")
	assert.False(t, hit)
}

func TestProbeMissOnMissingArtifact(t *testing.T) {
	m := must.M1(New(t.TempDir()))
	const key = "c0ffee"
	path := must.M1(m.Put(key, []byte("x"), "kernel.cubin"))
	require.NoError(t, m.PutGroup(key, "kernel.json", map[string]string{"kernel.cubin": path}))

	// Corrupt the group by removing the artifact it references.
	require.NoError(t, os.Remove(path))
	_, hit := m.Probe(key, "kernel.json")
	assert.False(t, hit, "group referencing a missing artifact must read as a miss")
}

func TestProbeMissOnCorruptGroupFile(t *testing.T) {
	m := must.M1(New(t.TempDir()))
	const key = "deadc0de"
	groupPath := filepath.Join(m.Root(), key, "__grp__kernel.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(groupPath), 0770))
	require.NoError(t, os.WriteFile(groupPath, []byte("{not json"), 0660))

	_, hit := m.Probe(key, "kernel.json")
	assert.False(t, hit, "corrupt group file must read as a miss, not crash")
}

func TestPutOverwriteIsAtomic(t *testing.T) {
	m := must.M1(New(t.TempDir()))
	const key = "aa55"
	path1 := must.M1(m.Put(key, []byte("first"), "kernel.ptx"))
	path2 := must.M1(m.Put(key, []byte("second"), "kernel.ptx"))
	assert.Equal(t, path1, path2)
	assert.Equal(t, []byte("second"), must.M1(os.ReadFile(path2)))

	// No temporary files left behind.
	entries := must.M1(os.ReadDir(filepath.Dir(path1)))
	require.Len(t, entries, 1)
}

func TestNewDefaultHonorsEnvOverride(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache_root")
	t.Setenv(GOTRITON_CACHE_DIR, root)
	m := must.M1(NewDefault())
	assert.Equal(t, root, m.Root())
}
