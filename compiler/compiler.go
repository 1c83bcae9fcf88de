// Package compiler implements the compilation driver for accelerator kernels: it
// normalizes the two source origins (a structured function description, or a
// pre-lowered IR text file) into a single pipeline entry point, keys every run by the
// composite fingerprint of source, backend, options and environment, walks the
// backend's lowering chain caching every intermediate artifact, and hands back a
// lazily-bound kernel handle.
//
// Compilation is synchronous and single-threaded from the caller's point of view.
// Concurrent compiles for the same key from independent processes are not coordinated:
// the group commit point guarantees no consumer observes a partially written group, but
// racing compilers may redundantly recompute the same artifacts. Redundant, never
// incorrect: writes are content-addressed and final values deterministic.
package compiler

import (
	"fmt"

	"github.com/gomlx/gotriton/backends"
	"github.com/gomlx/gotriton/cache"
	"github.com/gomlx/gotriton/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StageObserver is notified after each lowering stage completes. Used by tools to
// display progress; index is 1-based within the stages actually executed.
type StageObserver func(format string, index, total int)

// Compiler drives compilation runs against a fixed set of collaborators.
type Compiler struct {
	manager  cache.Manager
	driver   kernels.Driver
	observer StageObserver

	enterHook, exitHook kernels.Hook
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCacheManager overrides the artifact cache. Defaults to the file cache under
// $GOTRITON_CACHE_DIR (or ~/.gotriton/cache).
func WithCacheManager(manager cache.Manager) Option {
	return func(c *Compiler) { c.manager = manager }
}

// WithDriver sets the device driver handed to compiled kernel handles. Defaults to
// kernels.DefaultDriver.
func WithDriver(driver kernels.Driver) Option {
	return func(c *Compiler) { c.driver = driver }
}

// WithStageObserver registers a per-stage completion callback.
func WithStageObserver(observer StageObserver) Option {
	return func(c *Compiler) { c.observer = observer }
}

// WithLaunchHooks sets the optional enter/exit hooks passed to every kernel handle this
// compiler builds. Hooks are per-handle, never process-wide.
func WithLaunchHooks(enter, exit kernels.Hook) Option {
	return func(c *Compiler) { c.enterHook, c.exitHook = enter, exit }
}

// New creates a Compiler with the given options.
func New(options ...Option) (*Compiler, error) {
	c := &Compiler{}
	for _, option := range options {
		option(c)
	}
	if c.manager == nil {
		manager, err := cache.NewDefault()
		if err != nil {
			return nil, err
		}
		c.manager = manager
	}
	return c, nil
}

// Compile is a convenience wrapper creating a default Compiler for one run. See
// Compiler.Compile.
func Compile(src Source, backend backends.Backend, overrides map[string]any) (*kernels.Kernel, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	return c.Compile(src, backend, overrides)
}

// Compile compiles src for the given backend, reusing previously computed artifacts
// whenever source, backend identity, options and environment are all unchanged.
//
// On a cache hit the lowering stages never run: metadata and launcher stub are loaded
// directly into the returned handle. On a miss the backend's stage chain is executed
// starting at the source's native format, every intermediate artifact is cached, and
// the artifact group is committed exactly once at the end -- a failed run never leaves
// a cache hit visible for its key.
func (c *Compiler) Compile(src Source, backend backends.Backend, overrides map[string]any) (*kernels.Kernel, error) {
	opts, err := backend.ParseOptions(overrides)
	if err != nil {
		return nil, err
	}
	if err = src.Refine(opts); err != nil {
		return nil, err
	}

	env := EnvironmentSnapshot()
	key := CacheKey(src.Hash(), backend.Hash(), opts.Hash(), env)
	metadataName := src.Name() + ".json"

	if group, hit := c.manager.Probe(key, metadataName); hit {
		if metadataPath, found := group[metadataName]; found {
			klog.V(1).Infof("compiler: cache hit for kernel %q (key %s)", src.Name(), key)
			return c.newKernel(src, backend, metadataPath)
		}
		klog.Warningf("compiler: cache group for key %s lacks its metadata entry, recompiling", key)
	}
	klog.V(1).Infof("compiler: cache miss for kernel %q (key %s), compiling", src.Name(), key)

	md := &backends.Metadata{
		Target: backend.Target(),
		Name:   src.Name(),
		Env:    env,
	}
	md.ApplyOptions(opts)
	if funcSrc, ok := src.(*FuncSource); ok {
		md.FoldedArgs = funcSrc.foldedArgPositions()
	}

	stages := backend.Stages(opts)
	first := -1
	for i, stage := range stages {
		if stage.Format == src.Format() {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, &ParseError{Name: src.Name(),
			Msg: fmt.Sprintf("backend %q has no lowering stage for source format %q",
				backend.Name(), src.Format())}
	}

	module, err := src.EmitIR(opts)
	if err != nil {
		return nil, err
	}

	group := make(map[string]string)
	remaining := stages[first:]
	for i, stage := range remaining {
		module, err = stage.Lower(module, md)
		if err != nil {
			return nil, &StageFailure{Format: stage.Format, Err: err}
		}
		artifactName := src.Name() + "." + stage.Format
		path, err := c.manager.Put(key, module.Data, artifactName)
		if err != nil {
			return nil, err
		}
		group[artifactName] = path
		if c.observer != nil {
			c.observer(stage.Format, i+1, len(remaining))
		}
		klog.V(2).Infof("compiler: kernel %q lowered to %s (%d bytes)", src.Name(), stage.Format, len(module.Data))
	}

	data, err := md.MarshalBytes()
	if err != nil {
		return nil, err
	}
	metadataPath, err := c.manager.Put(key, data, metadataName)
	if err != nil {
		return nil, err
	}
	group[metadataName] = metadataPath

	// Commit point: only now does the run become visible to later lookups.
	if err = c.manager.PutGroup(key, metadataName, group); err != nil {
		return nil, err
	}
	return c.newKernel(src, backend, metadataPath)
}

func (c *Compiler) newKernel(src Source, backend backends.Backend, metadataPath string) (*kernels.Kernel, error) {
	md, err := backends.ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	stubPath, err := backend.MakeLauncherStub(src, md)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q failed to build the launcher stub for kernel %q",
			backend.Name(), src.Name())
	}
	kernelOptions := []kernels.KernelOption{
		kernels.WithBinaryFormat(backend.BinaryFormat()),
	}
	if c.driver != nil {
		kernelOptions = append(kernelOptions, kernels.WithDriver(c.driver))
	}
	if c.enterHook != nil || c.exitHook != nil {
		kernelOptions = append(kernelOptions, kernels.WithHooks(c.enterHook, c.exitHook))
	}
	return kernels.New(stubPath, metadataPath, kernelOptions...)
}

// CompileFile is a convenience entry point for pre-lowered IR files: the format is
// inferred from the path extension.
func CompileFile(path string, backend backends.Backend, overrides map[string]any) (*kernels.Kernel, error) {
	src, err := NewIRSource(path)
	if err != nil {
		return nil, err
	}
	return Compile(src, backend, overrides)
}
