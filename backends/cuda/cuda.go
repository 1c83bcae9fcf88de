// Package cuda implements the CUDA backend descriptor for the GoTriton compilation
// driver: target configuration, the ordered lowering chain down to cubin, and the
// launcher stub.
//
// The per-stage transformations themselves (IR optimization, code generation, binary
// assembly) are delegated to a Toolchain, provided by an external package; see
// DefaultToolchain.
package cuda

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/gomlx/gotriton/backends"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// BackendName to use in backends.NewWithConfig to select the CUDA backend.
const BackendName = "cuda"

// Version of the CUDA lowering chain, part of the backend hash: bumping it invalidates
// every cached compilation for this backend.
const Version = "0.4.0"

// DefaultComputeCapability used when the configuration string is empty.
const DefaultComputeCapability = 80

// Format tags of the CUDA lowering chain.
const (
	FormatTTIR  = "ttir"
	FormatTTGIR = "ttgir"
	FormatLLIR  = "llir"
	FormatPTX   = "ptx"
	FormatCUBIN = "cubin"
)

// Toolchain provides the concrete lowering transformations of the CUDA chain. Each
// step may record backend-reported facts in the metadata (Assemble must record the
// kernel's shared memory requirement).
type Toolchain interface {
	OptimizeTTIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error)
	ToTTGIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error)
	ToLLIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error)
	ToPTX(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error)
	Assemble(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error)

	// BuildLauncherStub builds (or reuses) the native launcher stub for the compiled
	// kernel and returns its path.
	BuildLauncherStub(src backends.Source, md *backends.Metadata) (string, error)
}

// DefaultToolchain is used by backends created through the registry. The external
// toolchain package sets it on import.
var DefaultToolchain Toolchain

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend is the CUDA backends.Backend.
type Backend struct {
	computeCapability int
	toolchain         Toolchain
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

// New creates a CUDA backend for the given configuration: the compute capability of the
// target device as a decimal string (e.g. "80"), or empty for the default. It uses
// DefaultToolchain; see NewWithToolchain.
func New(config string) (*Backend, error) {
	return NewWithToolchain(config, DefaultToolchain)
}

// NewWithToolchain creates a CUDA backend with an explicit toolchain.
func NewWithToolchain(config string, toolchain Toolchain) (*Backend, error) {
	capability := DefaultComputeCapability
	if config != "" {
		var err error
		capability, err = strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: invalid compute capability %q", BackendName, config)
		}
	}
	return &Backend{computeCapability: capability, toolchain: toolchain}, nil
}

// Name returns "cuda".
func (b *Backend) Name() string { return BackendName }

// Target returns the full target identity, e.g. "cuda:80".
func (b *Backend) Target() string {
	return fmt.Sprintf("%s:%d", BackendName, b.computeCapability)
}

// ComputeCapability of the target device class.
func (b *Backend) ComputeCapability() int { return b.computeCapability }

// Hash fingerprints the backend identity: lowering chain version plus target.
func (b *Backend) Hash() string {
	digest := sha256.Sum256([]byte(Version + "-" + b.Target()))
	return hex.EncodeToString(digest[:])
}

// ParseOptions builds the compilation options from caller overrides. The recognized
// field set is fixed; unknown keys are rejected.
func (b *Backend) ParseOptions(overrides map[string]any) (*backends.Options, error) {
	opts := backends.DefaultOptions()
	if b.computeCapability >= 89 {
		// fp8 accumulations are precise enough on Ada and later to skip the
		// forced fp32 promotion.
		opts.MaxNumImpreciseAcc = 1 << 30
	}
	names := maps.Keys(overrides)
	slices.Sort(names)
	for _, name := range names {
		if err := opts.Set(name, overrides[name]); err != nil {
			return nil, errors.WithMessagef(err, "backend %q", BackendName)
		}
	}
	if opts.NumWarps <= 0 || opts.NumWarps&(opts.NumWarps-1) != 0 {
		return nil, errors.Errorf("backend %q: num_warps must be a positive power of two, got %d",
			BackendName, opts.NumWarps)
	}
	if opts.NumCTAs < 1 {
		return nil, errors.Errorf("backend %q: num_ctas must be >= 1, got %d", BackendName, opts.NumCTAs)
	}
	return opts, nil
}

// Stages returns the ordered CUDA lowering chain:
// ttir -> ttgir -> llir -> ptx -> cubin.
func (b *Backend) Stages(opts *backends.Options) []backends.Stage {
	tc := b.toolchain
	wrap := func(format string, lower func(backends.Module, *backends.Options, *backends.Metadata) (backends.Module, error)) backends.Stage {
		return backends.Stage{
			Format: format,
			Lower: func(m backends.Module, md *backends.Metadata) (backends.Module, error) {
				if tc == nil {
					return backends.Module{}, errors.Errorf(
						"backend %q has no toolchain: set cuda.DefaultToolchain or use cuda.NewWithToolchain", BackendName)
				}
				next, err := lower(m, opts, md)
				if err != nil {
					return backends.Module{}, err
				}
				next.Format = format
				return next, nil
			},
		}
	}
	return []backends.Stage{
		wrap(FormatTTIR, func(m backends.Module, o *backends.Options, md *backends.Metadata) (backends.Module, error) {
			return tc.OptimizeTTIR(m, o, md)
		}),
		wrap(FormatTTGIR, func(m backends.Module, o *backends.Options, md *backends.Metadata) (backends.Module, error) {
			return tc.ToTTGIR(m, o, md)
		}),
		wrap(FormatLLIR, func(m backends.Module, o *backends.Options, md *backends.Metadata) (backends.Module, error) {
			return tc.ToLLIR(m, o, md)
		}),
		wrap(FormatPTX, func(m backends.Module, o *backends.Options, md *backends.Metadata) (backends.Module, error) {
			return tc.ToPTX(m, o, md)
		}),
		wrap(FormatCUBIN, func(m backends.Module, o *backends.Options, md *backends.Metadata) (backends.Module, error) {
			return tc.Assemble(m, o, md)
		}),
	}
}

// BinaryFormat returns "cubin".
func (b *Backend) BinaryFormat() string { return FormatCUBIN }

// MakeLauncherStub delegates to the toolchain. The stub exports one fixed-signature
// entry symbol; the runtime loads it through the platform's dynamic-library loader.
func (b *Backend) MakeLauncherStub(src backends.Source, md *backends.Metadata) (string, error) {
	if b.toolchain == nil {
		return "", errors.Errorf(
			"backend %q has no toolchain: set cuda.DefaultToolchain or use cuda.NewWithToolchain", BackendName)
	}
	return b.toolchain.BuildLauncherStub(src, md)
}
