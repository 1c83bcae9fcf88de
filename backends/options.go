package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// Options is the fixed set of compilation options recognized by the driver. Backends
// build one per compilation run from caller overrides (see Backend.ParseOptions); the
// source may then refine it once (e.g. a warp count parsed out of supplied IR text)
// before the cache key is composed.
type Options struct {
	// NumWarps is the number of warps per CTA the kernel is compiled for.
	NumWarps int

	// NumCTAs is the number of CTAs per cluster.
	NumCTAs int

	// NumStages is the software-pipelining depth used by the lowering passes.
	NumStages int

	// ClusterDims are the dimensions of a thread-block cluster.
	ClusterDims [3]int

	// EnableFPFusion allows the lowering passes to fuse multiply+add into FMA.
	EnableFPFusion bool

	// MaxNumImpreciseAcc is the number of imprecise fp8 accumulations allowed
	// before a promotion to fp32 is forced. Zero means always promote.
	MaxNumImpreciseAcc int

	// Debug keeps debug information in the generated artifacts.
	Debug bool
}

// DefaultOptions returns the driver-wide option defaults. Backends may adjust them
// before applying caller overrides.
func DefaultOptions() *Options {
	return &Options{
		NumWarps:       4,
		NumCTAs:        1,
		NumStages:      3,
		ClusterDims:    [3]int{1, 1, 1},
		EnableFPFusion: true,
	}
}

// Set applies one caller override by field name. Unknown names and mistyped values
// are errors: the recognized field set is fixed.
func (o *Options) Set(name string, value any) error {
	setInt := func(dst *int) error {
		switch v := value.(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			// JSON decoded numbers arrive as float64.
			*dst = int(v)
		default:
			return errors.Errorf("option %q requires an integer, got %T", name, value)
		}
		return nil
	}
	switch name {
	case "num_warps":
		return setInt(&o.NumWarps)
	case "num_ctas":
		return setInt(&o.NumCTAs)
	case "num_stages":
		return setInt(&o.NumStages)
	case "cluster_dims":
		dims, ok := value.([3]int)
		if !ok {
			return errors.Errorf("option %q requires a [3]int, got %T", name, value)
		}
		o.ClusterDims = dims
	case "enable_fp_fusion":
		b, ok := value.(bool)
		if !ok {
			return errors.Errorf("option %q requires a bool, got %T", name, value)
		}
		o.EnableFPFusion = b
	case "max_num_imprecise_acc":
		return setInt(&o.MaxNumImpreciseAcc)
	case "debug":
		b, ok := value.(bool)
		if !ok {
			return errors.Errorf("option %q requires a bool, got %T", name, value)
		}
		o.Debug = b
	default:
		return errors.Errorf("unknown compilation option %q", name)
	}
	return nil
}

// Hash returns a deterministic fingerprint of the full option set.
func (o *Options) Hash() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "num_warps=%d;num_ctas=%d;num_stages=%d;cluster_dims=%v;enable_fp_fusion=%v;max_num_imprecise_acc=%d;debug=%v",
		o.NumWarps, o.NumCTAs, o.NumStages, o.ClusterDims, o.EnableFPFusion, o.MaxNumImpreciseAcc, o.Debug)
	return hex.EncodeToString(h.Sum(nil))
}
