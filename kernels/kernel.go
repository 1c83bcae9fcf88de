package kernels

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gotriton/backends"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Kernel is the handle to one compiled artifact group. Construction is cheap: it loads
// the metadata and indexes the sibling artifacts by format suffix. Device resources
// (module, function, register counts) are bound lazily, exactly once, on first use.
type Kernel struct {
	stubPath     string
	metadataPath string
	md           *backends.Metadata
	asm          map[string][]byte
	binary       []byte
	binaryFormat string

	driver              Driver
	enterHook, exitHook Hook

	bindOnce  sync.Once
	bindErr   error
	module    ModuleHandle
	function  FunctionHandle
	numRegs   int
	numSpills int
}

// KernelOption configures a Kernel at construction.
type KernelOption func(*Kernel)

// WithDriver sets the device driver for this handle. Defaults to DefaultDriver.
func WithDriver(driver Driver) KernelOption {
	return func(k *Kernel) { k.driver = driver }
}

// WithHooks sets the optional launch enter/exit hooks for this handle. Either may be
// nil. They are forwarded on every launch through this handle only.
func WithHooks(enter, exit Hook) KernelOption {
	return func(k *Kernel) { k.enterHook, k.exitHook = enter, exit }
}

// WithBinaryFormat sets the format tag identifying the native binary among the sibling
// artifacts. Defaults to "cubin".
func WithBinaryFormat(format string) KernelOption {
	return func(k *Kernel) { k.binaryFormat = format }
}

// New builds a kernel handle from the launcher stub and metadata paths. It discovers
// the sibling artifact files sharing the metadata's base name and indexes them by
// format suffix; the artifact tagged with the binary format is the loadable binary.
// No device interaction happens here.
func New(stubPath, metadataPath string, options ...KernelOption) (*Kernel, error) {
	k := &Kernel{
		stubPath:     stubPath,
		metadataPath: metadataPath,
		binaryFormat: "cubin",
		asm:          make(map[string][]byte),
	}
	for _, option := range options {
		option(k)
	}

	md, err := backends.ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	k.md = md

	dir := filepath.Dir(metadataPath)
	base := strings.TrimSuffix(filepath.Base(metadataPath), ".json")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list artifact directory %q", dir)
	}
	var readErrs error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		format := strings.TrimPrefix(name, base+".")
		if format == "json" || strings.Contains(format, ".tmp.") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			readErrs = multierr.Append(readErrs, errors.Wrapf(err, "artifact %q", name))
			continue
		}
		k.asm[format] = data
	}
	if readErrs != nil {
		return nil, errors.WithMessagef(readErrs, "failed to index artifacts for kernel %q", md.Name)
	}
	var found bool
	if k.binary, found = k.asm[k.binaryFormat]; !found {
		return nil, errors.Errorf("artifact group for kernel %q has no %q binary in %q",
			md.Name, k.binaryFormat, dir)
	}
	return k, nil
}

// Metadata returns the compiled metadata record.
func (k *Kernel) Metadata() *backends.Metadata { return k.md }

// Name returns the kernel name.
func (k *Kernel) Name() string { return k.md.Name }

// StubPath returns the path of the native launcher stub.
func (k *Kernel) StubPath() string { return k.stubPath }

// Asm returns the artifact produced at the given format of the lowering chain, or nil
// if the group has none.
func (k *Kernel) Asm(format string) []byte { return k.asm[format] }

// AsmFormats returns the sorted format tags of the artifacts in this group.
func (k *Kernel) AsmFormats() []string {
	formats := maps.Keys(k.asm)
	slices.Sort(formats)
	return formats
}

// EnsureBound binds the device resources if they are not bound yet: it validates the
// kernel's shared-memory requirement against the current device's capacity, loads the
// binary into a device module/function pair, and records the register and spill counts.
//
// It is idempotent and safe under concurrent first use: the binding runs exactly once
// per handle, and its outcome -- including a permanent failure such as OutOfResources
// -- is reused for the handle's lifetime.
func (k *Kernel) EnsureBound() error {
	k.bindOnce.Do(k.bind)
	return k.bindErr
}

func (k *Kernel) bind() {
	driver := k.driver
	if driver == nil {
		driver = DefaultDriver
	}
	if driver == nil {
		k.bindErr = errors.Errorf("kernel %q has no device driver: pass one with WithDriver or set kernels.DefaultDriver", k.md.Name)
		return
	}
	device, err := driver.CurrentDevice()
	if err != nil {
		k.bindErr = errors.WithMessagef(err, "kernel %q: failed to resolve the current device", k.md.Name)
		return
	}
	props, err := driver.Properties(device)
	if err != nil {
		k.bindErr = errors.WithMessagef(err, "kernel %q: failed to query device %d properties", k.md.Name, device)
		return
	}
	if k.md.SharedMem > props.MaxSharedMem {
		k.bindErr = &OutOfResources{
			Requested: k.md.SharedMem,
			Available: props.MaxSharedMem,
			Resource:  "shared memory",
		}
		return
	}
	info, err := driver.LoadBinary(k.md.Name, k.binary, k.md.SharedMem, device)
	if err != nil {
		k.bindErr = errors.WithMessagef(err, "kernel %q: failed to load binary onto device %d", k.md.Name, device)
		return
	}
	k.driver = driver
	k.module = info.Module
	k.function = info.Function
	k.numRegs = info.NumRegs
	k.numSpills = info.NumSpills
	klog.V(1).Infof("kernels: bound %q on device %d (%d regs, %d spills, %d bytes shared)",
		k.md.Name, device, k.numRegs, k.numSpills, k.md.SharedMem)
}

// BindingInfo triggers EnsureBound and returns the register and spill counts reported
// by the loader.
func (k *Kernel) BindingInfo() (numRegs, numSpills int, err error) {
	if err = k.EnsureBound(); err != nil {
		return 0, 0, err
	}
	return k.numRegs, k.numSpills, nil
}

// LaunchFn launches the kernel with the given arguments on the given stream. A nil
// stream resolves to the driver's default stream. The call blocks until the driver
// accepts the enqueue; device-side execution is asynchronous.
type LaunchFn func(stream Stream, args ...any) error

// ForGrid indexes the handle by launch grid dimensions and returns the invocable
// runner. It triggers EnsureBound: resource validation and binary loading happen here
// on first use, never at handle construction.
func (k *Kernel) ForGrid(gx, gy, gz int) (LaunchFn, error) {
	if err := k.EnsureBound(); err != nil {
		return nil, err
	}
	return func(stream Stream, args ...any) error {
		marshalled, err := k.marshalArgs(args)
		if err != nil {
			// Binding state is unaffected: the handle stays launchable.
			return errors.WithMessagef(err, "kernel %q: failed to marshal launch arguments", k.md.Name)
		}
		if stream == nil {
			stream = k.driver.DefaultStream()
		}
		p := &LaunchParams{
			Grid:        [3]int{gx, gy, gz},
			NumWarps:    k.md.NumWarps,
			NumCTAs:     k.md.NumCTAs,
			ClusterDims: k.md.ClusterDims,
			SharedMem:   k.md.SharedMem,
			Stream:      stream,
			Function:    k.function,
			EnterHook:   k.enterHook,
			ExitHook:    k.exitHook,
			Kernel:      k,
			Args:        marshalled,
		}
		return k.driver.Launch(p)
	}, nil
}
