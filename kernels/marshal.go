package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// TensorDescriptor describes a tensor argument that must be converted to the device's
// native descriptor representation (e.g. a TMA descriptor) before launch. The driver
// owns the conversion.
type TensorDescriptor struct {
	// Base is the device address of the tensor data.
	Base uintptr

	// Dims are the global tensor dimensions.
	Dims []int

	// BlockDims are the per-CTA box dimensions.
	BlockDims []int

	// Strides are the element strides per dimension.
	Strides []int

	// DType is the element type.
	DType dtypes.DType
}

// ScalarArg is a kernel scalar argument in its native form: the element dtype plus the
// raw bits, zero-extended to 64.
type ScalarArg struct {
	DType dtypes.DType
	Bits  uint64
}

// marshalArgs performs the device-specific argument marshalling for a launch: tensor
// descriptors are expanded by the driver into their native representation, scalars are
// packed into dtype-tagged raw bits, and device pointers pass through untouched.
func (k *Kernel) marshalArgs(args []any) ([]any, error) {
	marshalled := make([]any, 0, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case *TensorDescriptor:
			expanded, err := k.driver.ExpandTensorDescriptor(v)
			if err != nil {
				return nil, errors.WithMessagef(err, "argument %d: failed to expand tensor descriptor", i)
			}
			marshalled = append(marshalled, expanded...)
		case uintptr:
			// Device pointer.
			marshalled = append(marshalled, v)
		case ScalarArg:
			marshalled = append(marshalled, v)
		case bool:
			bits := uint64(0)
			if v {
				bits = 1
			}
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Bool, Bits: bits})
		case int:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Int64, Bits: uint64(v)})
		case int8:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Int8, Bits: uint64(v)})
		case int16:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Int16, Bits: uint64(v)})
		case int32:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Int32, Bits: uint64(v)})
		case int64:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Int64, Bits: uint64(v)})
		case uint8:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Uint8, Bits: uint64(v)})
		case uint16:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Uint16, Bits: uint64(v)})
		case uint32:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Uint32, Bits: uint64(v)})
		case uint64:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Uint64, Bits: v})
		case float16.Float16:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Float16, Bits: uint64(v.Bits())})
		case float32:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Float32, Bits: uint64(math.Float32bits(v))})
		case float64:
			marshalled = append(marshalled, ScalarArg{DType: dtypes.Float64, Bits: math.Float64bits(v)})
		default:
			return nil, errors.Errorf("argument %d: unsupported kernel argument type %T", i, arg)
		}
	}
	return marshalled, nil
}
