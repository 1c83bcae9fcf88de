package compiler_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gotriton/backends"
	"github.com/gomlx/gotriton/backends/cuda"
	"github.com/gomlx/gotriton/cache"
	"github.com/gomlx/gotriton/compiler"
	"github.com/gomlx/gotriton/types"
)

// fakeToolchain is a counting stand-in for the external CUDA toolchain: each step
// appends its format tag to the module text, Assemble reports a configurable shared
// memory requirement.
type fakeToolchain struct {
	t         *testing.T
	calls     map[string]int
	sharedMem int
	failAt    string
	stubDir   string
}

func newFakeToolchain(t *testing.T) *fakeToolchain {
	return &fakeToolchain{t: t, calls: make(map[string]int), sharedMem: 4096, stubDir: t.TempDir()}
}

func (tc *fakeToolchain) step(name string, m backends.Module) (backends.Module, error) {
	tc.calls[name]++
	if tc.failAt == name {
		return backends.Module{}, assert.AnError
	}
	return backends.Module{Data: append(m.Data, []byte("\n// "+name)...)}, nil
}

func (tc *fakeToolchain) OptimizeTTIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error) {
	return tc.step("ttir", m)
}
func (tc *fakeToolchain) ToTTGIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error) {
	return tc.step("ttgir", m)
}
func (tc *fakeToolchain) ToLLIR(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error) {
	return tc.step("llir", m)
}
func (tc *fakeToolchain) ToPTX(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error) {
	return tc.step("ptx", m)
}
func (tc *fakeToolchain) Assemble(m backends.Module, opts *backends.Options, md *backends.Metadata) (backends.Module, error) {
	md.SharedMem = tc.sharedMem
	return tc.step("cubin", m)
}
func (tc *fakeToolchain) BuildLauncherStub(src backends.Source, md *backends.Metadata) (string, error) {
	tc.calls["stub"]++
	path := filepath.Join(tc.stubDir, src.Name()+".launcher.so")
	return path, os.WriteFile(path, []byte("stub"), 0660)
}

func (tc *fakeToolchain) totalLowerings() int {
	total := 0
	for name, n := range tc.calls {
		if name != "stub" {
			total += n
		}
	}
	return total
}

type testEnv struct {
	tc      *fakeToolchain
	backend *cuda.Backend
	c       *compiler.Compiler
}

func newTestEnv(t *testing.T) *testEnv {
	tc := newFakeToolchain(t)
	backend := must.M1(cuda.NewWithToolchain("80", tc))
	manager := must.M1(cache.New(t.TempDir()))
	c := must.M1(compiler.New(compiler.WithCacheManager(manager)))
	return &testEnv{tc: tc, backend: backend, c: c}
}

func ttgirSource(t *testing.T) *compiler.IRSource {
	path := filepath.Join(t.TempDir(), "add.ttgir")
	text := `module attributes {"triton_gpu.num-warps" = 8 : i32} {
  tt.func public @add_kernel(%arg0: !tt.ptr<f32>, %arg1: !tt.ptr<f32>, %arg2: i32) attributes {noinline = false} {
    tt.return
  }
}
`
	require.NoError(t, os.WriteFile(path, []byte(text), 0660))
	return must.M1(compiler.NewIRSource(path))
}

func funcSource(name string) *compiler.FuncSource {
	fn := &testKernelFn{name: name, cacheKey: "body-" + name}
	return compiler.NewFuncSource(fn, compiler.ParseSignature("*fp32, *fp32, i32"), nil,
		&compiler.InstanceDescriptor{
			DivisibleBy16: types.SetWith(0, 1),
			FoldedArgs:    types.SetWith(2),
		})
}

type testKernelFn struct {
	name     string
	cacheKey string
}

func (f *testKernelFn) Name() string     { return f.name }
func (f *testKernelFn) CacheKey() string { return f.cacheKey }
func (f *testKernelFn) EmitIR(spec *compiler.Specialization, opts *backends.Options) (backends.Module, error) {
	return backends.Module{Format: "ttir", Data: []byte("tt.func @" + f.name)}, nil
}

func TestCacheKeyDeterminismAndOrderIndependence(t *testing.T) {
	envA := map[string]string{"GOTRITON_A": "1", "GOTRITON_B": "2"}
	envB := map[string]string{"GOTRITON_B": "2", "GOTRITON_A": "1"}
	keyA := compiler.CacheKey("s", "b", "o", envA)
	keyB := compiler.CacheKey("s", "b", "o", envB)
	assert.Equal(t, keyA, keyB, "environment enumeration order must not change the key")

	assert.NotEqual(t, keyA, compiler.CacheKey("s2", "b", "o", envA))
	assert.NotEqual(t, keyA, compiler.CacheKey("s", "b2", "o", envA))
	assert.NotEqual(t, keyA, compiler.CacheKey("s", "b", "o2", envA))
	assert.NotEqual(t, keyA, compiler.CacheKey("s", "b", "o", map[string]string{"GOTRITON_A": "1"}))
}

func TestCompileFuncSourceRunsAllStages(t *testing.T) {
	env := newTestEnv(t)
	kernel := must.M1(env.c.Compile(funcSource("add_kernel"), env.backend, nil))

	for _, format := range []string{"ttir", "ttgir", "llir", "ptx", "cubin"} {
		assert.Equal(t, 1, env.tc.calls[format], "stage %q must run exactly once", format)
		assert.NotEmpty(t, kernel.Asm(format), "artifact %q must be cached and indexed", format)
	}
	md := kernel.Metadata()
	assert.Equal(t, "cuda:80", md.Target)
	assert.Equal(t, "add_kernel", md.Name)
	assert.Equal(t, 4096, md.SharedMem)
	assert.Equal(t, []int{2}, md.FoldedArgs, "folded argument positions recorded for function sources")
}

func TestCacheHitSuppressesRecompilation(t *testing.T) {
	env := newTestEnv(t)
	src := funcSource("add_kernel")
	first := must.M1(env.c.Compile(src, env.backend, nil))
	require.Equal(t, 5, env.tc.totalLowerings())

	second := must.M1(env.c.Compile(src, env.backend, nil))
	assert.Equal(t, 5, env.tc.totalLowerings(), "second compile must not run any lowering stage")
	assert.Equal(t, 2, env.tc.calls["stub"], "the stub is requested on both compiles")

	if diff := cmp.Diff(first.Metadata(), second.Metadata()); diff != "" {
		t.Errorf("metadata must be read back verbatim on a cache hit (-first +second):\n%s", diff)
	}
}

func TestCompileTwiceProducesByteIdenticalMetadata(t *testing.T) {
	// Two independent compilers with separate cache roots: same inputs, same bytes.
	envA := newTestEnv(t)
	envB := newTestEnv(t)
	kernelA := must.M1(envA.c.Compile(funcSource("add_kernel"), envA.backend, nil))
	kernelB := must.M1(envB.c.Compile(funcSource("add_kernel"), envB.backend, nil))

	bytesA := must.M1(kernelA.Metadata().MarshalBytes())
	bytesB := must.M1(kernelB.Metadata().MarshalBytes())
	assert.Equal(t, bytesA, bytesB)
}

func TestKeySensitivity(t *testing.T) {
	env := newTestEnv(t)
	src := funcSource("add_kernel")

	_ = must.M1(env.c.Compile(src, env.backend, nil))
	require.Equal(t, 5, env.tc.totalLowerings())

	// Changed option: full recompilation.
	_ = must.M1(env.c.Compile(src, env.backend, map[string]any{"num_warps": 8}))
	assert.Equal(t, 10, env.tc.totalLowerings())

	// Changed source content: full recompilation.
	_ = must.M1(env.c.Compile(funcSource("add_kernel2"), env.backend, nil))
	assert.Equal(t, 15, env.tc.totalLowerings())

	// Changed target identity: full recompilation.
	hopper := must.M1(cuda.NewWithToolchain("90", env.tc))
	_ = must.M1(env.c.Compile(src, hopper, nil))
	assert.Equal(t, 20, env.tc.totalLowerings())
}

func TestKeySensitivityToEnvironment(t *testing.T) {
	env := newTestEnv(t)
	src := funcSource("add_kernel")
	_ = must.M1(env.c.Compile(src, env.backend, nil))
	require.Equal(t, 5, env.tc.totalLowerings())

	// An unrelated variable must not invalidate the cache.
	t.Setenv("SOME_UNRELATED_VAR", "1")
	_ = must.M1(env.c.Compile(src, env.backend, nil))
	assert.Equal(t, 5, env.tc.totalLowerings())

	// A fingerprinted variable must.
	t.Setenv("GOTRITON_DISABLE_LINE_INFO", "1")
	kernel := must.M1(env.c.Compile(src, env.backend, nil))
	assert.Equal(t, 10, env.tc.totalLowerings())
	assert.Equal(t, "1", kernel.Metadata().Env["GOTRITON_DISABLE_LINE_INFO"])
}

func TestMidPipelineResume(t *testing.T) {
	env := newTestEnv(t)
	kernel := must.M1(env.c.Compile(ttgirSource(t), env.backend, nil))

	assert.Zero(t, env.tc.calls["ttir"], "stages strictly before the source's native format are skipped")
	assert.Equal(t, 1, env.tc.calls["ttgir"], "the chain resumes at the source's native stage")
	assert.Equal(t, 1, env.tc.calls["llir"])
	assert.Equal(t, 1, env.tc.calls["ptx"])
	assert.Equal(t, 1, env.tc.calls["cubin"])
	assert.Equal(t, 8, kernel.Metadata().NumWarps, "warp count refined out of the IR text lands in metadata")
}

func TestStageFailureAbortsWithoutCommit(t *testing.T) {
	env := newTestEnv(t)
	env.tc.failAt = "ptx"
	src := funcSource("add_kernel")

	_, err := env.c.Compile(src, env.backend, nil)
	var stageErr *compiler.StageFailure
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "ptx", stageErr.Format)
	firstRun := env.tc.totalLowerings()

	// The group was never committed: the next compile is a full miss and re-runs
	// the pipeline from the start.
	env.tc.failAt = ""
	_ = must.M1(env.c.Compile(src, env.backend, nil))
	assert.Equal(t, firstRun+5, env.tc.totalLowerings())
}

func TestCompileRejectsUnknownOption(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.c.Compile(funcSource("add_kernel"), env.backend, map[string]any{"warp_count": 8})
	require.Error(t, err)
	assert.Zero(t, env.tc.totalLowerings())
}

func TestCompiledKernelHandleIsCheap(t *testing.T) {
	env := newTestEnv(t)
	kernel := must.M1(env.c.Compile(funcSource("add_kernel"), env.backend, nil))
	// No driver was configured: construction must still succeed, since binding is
	// deferred until first real use.
	_, err := kernel.ForGrid(1, 1, 1)
	require.Error(t, err, "binding without a driver must fail, at bind time")
}
