// Package kernels implements the compiled-kernel handle: cheap construction from the
// cached artifacts, once-guarded lazy binding of device resources, and grid-indexed
// launch closures.
package kernels

import "fmt"

// Stream is an opaque device work queue handle; its concrete type belongs to the
// Driver. A nil stream at launch time resolves to the driver's default stream.
type Stream any

// ModuleHandle is an opaque loaded device module handle.
type ModuleHandle any

// FunctionHandle is an opaque device function handle within a loaded module.
type FunctionHandle any

// DeviceProperties are the capability limits the handle validates against before
// binding.
type DeviceProperties struct {
	// MaxSharedMem is the maximum shared memory per block, in bytes.
	MaxSharedMem int

	// MultiprocessorCount is the number of streaming multiprocessors.
	MultiprocessorCount int

	// WarpSize is the number of threads per warp.
	WarpSize int
}

// BinaryInfo is what loading a compiled binary onto a device yields.
type BinaryInfo struct {
	Module   ModuleHandle
	Function FunctionHandle

	// NumRegs and NumSpills are the per-thread register count and the number of
	// registers spilled to local memory, as reported by the loader.
	NumRegs   int
	NumSpills int
}

// Hook observes a kernel launch. Hooks are explicit per-handle collaborators passed at
// construction; there is no process-wide launch state.
type Hook func(p *LaunchParams)

// LaunchParams is the full native launch parameter set handed to the driver. The
// enqueue call blocks until accepted by the driver; device-side execution is
// asynchronous relative to the host and ordered only by stream semantics.
type LaunchParams struct {
	Grid        [3]int
	NumWarps    int
	NumCTAs     int
	ClusterDims [3]int
	SharedMem   int
	Stream      Stream
	Function    FunctionHandle
	EnterHook   Hook
	ExitHook    Hook
	Kernel      *Kernel
	Args        []any
}

// Driver is the device interface consumed by kernel handles. Property queries and
// binary loading are blocking calls.
type Driver interface {
	// CurrentDevice returns the ordinal of the device launches go to.
	CurrentDevice() (int, error)

	// Properties returns the capability limits of the given device.
	Properties(device int) (*DeviceProperties, error)

	// LoadBinary loads a compiled kernel binary onto the device and resolves its
	// entry function.
	LoadBinary(name string, binary []byte, sharedMem int, device int) (*BinaryInfo, error)

	// DefaultStream returns the ambient stream used when the caller supplies none.
	DefaultStream() Stream

	// ExpandTensorDescriptor converts a tensor-descriptor argument into its native
	// argument representation (possibly several values).
	ExpandTensorDescriptor(desc *TensorDescriptor) ([]any, error)

	// Launch enqueues the kernel. It returns once the driver accepted the launch.
	Launch(p *LaunchParams) error
}

// DefaultDriver is used by kernel handles created without an explicit driver. Concrete
// driver packages set it on import.
var DefaultDriver Driver

// OutOfResources indicates a declared resource requirement exceeds the device's
// capability. Fatal to the launch attempt; recoverable by the caller choosing a smaller
// configuration. A handle whose binding failed this way never retries the bind itself.
type OutOfResources struct {
	Requested int
	Available int
	Resource  string
}

func (e *OutOfResources) Error() string {
	return fmt.Sprintf("out of resources: %s, required: %d, hardware limit: %d -- reducing block sizes or num_stages may help",
		e.Resource, e.Requested, e.Available)
}
