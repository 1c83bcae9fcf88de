package backends

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsSet(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Set("num_warps", 8))
	assert.Equal(t, 8, opts.NumWarps)
	require.NoError(t, opts.Set("num_stages", float64(5))) // JSON-decoded numbers.
	assert.Equal(t, 5, opts.NumStages)
	require.NoError(t, opts.Set("enable_fp_fusion", false))
	assert.False(t, opts.EnableFPFusion)
	require.NoError(t, opts.Set("cluster_dims", [3]int{2, 1, 1}))
	assert.Equal(t, [3]int{2, 1, 1}, opts.ClusterDims)

	assert.Error(t, opts.Set("warps", 8), "unknown option name")
	assert.Error(t, opts.Set("num_warps", "8"), "mistyped option value")
}

func TestOptionsHash(t *testing.T) {
	a := DefaultOptions()
	b := DefaultOptions()
	assert.Equal(t, a.Hash(), b.Hash(), "identical options must hash identically")

	require.NoError(t, b.Set("num_warps", 8))
	assert.NotEqual(t, a.Hash(), b.Hash(), "any changed field must change the hash")

	c := DefaultOptions()
	require.NoError(t, c.Set("debug", true))
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestMetadataRoundTrip(t *testing.T) {
	md := &Metadata{
		Target:      "cuda:80",
		Name:        "add_kernel",
		ClusterDims: [3]int{1, 1, 1},
		SharedMem:   4096,
		FoldedArgs:  []int{2, 5},
		Env:         map[string]string{"GOTRITON_DEBUG": "1"},
	}
	md.ApplyOptions(DefaultOptions())
	md.SetExtra("ptx_version", 83)

	data, err := md.MarshalBytes()
	require.NoError(t, err)
	// Serialization is deterministic: the content-addressing contract depends on it.
	data2, err := md.MarshalBytes()
	require.NoError(t, err)
	assert.Equal(t, data, data2)

	back := &Metadata{}
	require.NoError(t, json.Unmarshal(data, back))
	assert.Equal(t, "add_kernel", back.Name)
	assert.Equal(t, 4, back.NumWarps)
	assert.Equal(t, []int{2, 5}, back.FoldedArgs)
	assert.Equal(t, "1", back.Env["GOTRITON_DEBUG"])
	assert.EqualValues(t, 83, back.Extra["ptx_version"])
}
