package backends

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Metadata is the record assembled during a compilation run and persisted next to the
// compiled artifacts. Its field set is declared here, once; backend-reported facts
// outside the declared set go into Extra, never onto arbitrary attributes.
//
// Once written for a given cache key, reads must reproduce the exact same record: the
// compiler serializes it exactly once, at the group commit point.
type Metadata struct {
	// Target is the full backend target identity, e.g. "cuda:80".
	Target string `json:"target"`

	// Name is the kernel name, also the base name of every sibling artifact file.
	Name string `json:"name"`

	NumWarps           int    `json:"num_warps"`
	NumCTAs            int    `json:"num_ctas"`
	NumStages          int    `json:"num_stages"`
	ClusterDims        [3]int `json:"cluster_dims"`
	EnableFPFusion     bool   `json:"enable_fp_fusion"`
	MaxNumImpreciseAcc int    `json:"max_num_imprecise_acc"`
	Debug              bool   `json:"debug"`

	// SharedMem is the kernel's static shared memory requirement in bytes,
	// reported by the code generation stage.
	SharedMem int `json:"shared"`

	// FoldedArgs are the positions of arguments folded out by specialization.
	// Only recorded for function sources.
	FoldedArgs []int `json:"ids_of_folded_args,omitempty"`

	// Env is the snapshot of the relevant environment variables at compile time.
	Env map[string]string `json:"env,omitempty"`

	// Extra holds backend-reported facts outside the declared field set.
	Extra map[string]any `json:"extra,omitempty"`
}

// ApplyOptions merges the full option set into the metadata.
func (md *Metadata) ApplyOptions(opts *Options) {
	md.NumWarps = opts.NumWarps
	md.NumCTAs = opts.NumCTAs
	md.NumStages = opts.NumStages
	md.ClusterDims = opts.ClusterDims
	md.EnableFPFusion = opts.EnableFPFusion
	md.MaxNumImpreciseAcc = opts.MaxNumImpreciseAcc
	md.Debug = opts.Debug
}

// SetExtra records a backend-reported fact outside the declared field set.
func (md *Metadata) SetExtra(key string, value any) {
	if md.Extra == nil {
		md.Extra = make(map[string]any)
	}
	md.Extra[key] = value
}

// MarshalBytes serializes the metadata. encoding/json sorts map keys, so the output is
// deterministic for a given record.
func (md *Metadata) MarshalBytes() ([]byte, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize metadata for kernel %q", md.Name)
	}
	return data, nil
}

// ReadMetadata loads a metadata record from the given JSON file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata file %q", path)
	}
	md := &Metadata{}
	if err = json.Unmarshal(data, md); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata file %q", path)
	}
	return md, nil
}
