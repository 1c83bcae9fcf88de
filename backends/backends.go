// Package backends defines the interface a target device class needs to implement to be
// used by the GoTriton compilation driver.
//
// A backend describes a device class (e.g.: "cuda"), parses a target configuration,
// declares the ordered chain of lowering stages from the highest-level IR down to the
// native binary, and builds the launcher stub that bridges a host call into the compiled
// kernel's calling convention. The lowering transformations themselves are provided by an
// external toolchain; this package only defines their shape.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Backend describes a target device class to the compilation driver.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cuda".
	Name() string

	// Target returns the full target identity, including the configuration it was
	// created with. E.g.: "cuda:80". It is recorded in the compiled metadata.
	Target() string

	// Hash returns a deterministic fingerprint of the backend identity and version.
	// It is one of the components of the compilation cache key.
	Hash() string

	// ParseOptions builds the compilation options from caller overrides.
	// The set of recognized fields is fixed; unknown keys are an error.
	ParseOptions(overrides map[string]any) (*Options, error)

	// Stages returns the ordered lowering chain for the given options, from the
	// backend's first IR format down to its native binary format.
	Stages(opts *Options) []Stage

	// BinaryFormat returns the format tag of the final native binary artifact.
	// E.g.: "cubin".
	BinaryFormat() string

	// MakeLauncherStub builds (or reuses) the native launcher stub for the compiled
	// kernel and returns its path. The stub exports one fixed-signature entry symbol.
	MakeLauncherStub(src Source, md *Metadata) (string, error)
}

// Source is the minimal view of a kernel source a backend needs: the compiler package
// provides the concrete implementations.
type Source interface {
	// Name returns the kernel name, used as the base name of every cached artifact.
	Name() string

	// Format returns the source's native IR format tag. E.g.: "ttir".
	Format() string

	// Hash returns a deterministic fingerprint of the source contents.
	Hash() string
}

// Module is an in-memory program representation at one stage of the lowering chain.
// Text formats and the final binary are both carried as raw bytes.
type Module struct {
	Format string
	Data   []byte
}

// Text returns the module contents as a string. Only meaningful for text formats.
func (m Module) Text() string { return string(m.Data) }

// Stage is one step of a backend's lowering chain. Lower transforms the module to the
// stage's format and may record backend-reported facts (e.g. shared memory usage) in the
// metadata as a side channel.
type Stage struct {
	Format string
	Lower  func(m Module, md *Metadata) (Module, error)
}

// Constructor takes a backend configuration string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if GOTRITON_BACKEND is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOTRITON_BACKEND is the environment variable with the default backend configuration.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "cuda") and
// "<backend_configuration>" is backend specific (e.g.: for the cuda backend, the
// compute capability of the target device).
const GOTRITON_BACKEND = "GOTRITON_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOTRITON_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() (Backend, error) {
	config, found := os.LookupEnv(GOTRITON_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>"
// and returns the corresponding Backend.
//
// It panics if no backend was registered, or if the named backend is unknown -- both are
// programming (or installation) errors. Configuration errors within a known backend are
// returned as errors.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for GoTriton -- maybe import the default CUDA one with import _ "github.com/gomlx/gotriton/backends/cuda"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
