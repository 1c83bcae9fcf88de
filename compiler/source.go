package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gotriton/backends"
	"github.com/gomlx/gotriton/types"
	"golang.org/x/exp/maps"
)

// Format tags of the reference lowering chain. Backends declare their own chains; these
// are the text formats the compiler knows how to parse a kernel prototype out of.
const (
	FormatTTIR  = "ttir"
	FormatTTGIR = "ttgir"
	FormatLLIR  = "llir"
	FormatPTX   = "ptx"
)

// Source is the uniform entry point of the compilation pipeline: it normalizes either a
// structured function description or a pre-lowered IR text file.
type Source interface {
	backends.Source

	// EmitIR produces the initial module in the source's native format. Failures are
	// reported as *ParseError.
	EmitIR(opts *backends.Options) (backends.Module, error)

	// Refine may overwrite option fields parsed out of the source itself (e.g. an
	// embedded warp-count attribute). It never mutates the source. Called once,
	// before the cache key is composed.
	Refine(opts *backends.Options) error
}

// Function is the structured description of a kernel body, produced by the language
// frontend. The translation into the initial IR is the frontend's job; the compiler
// only needs a stable content fingerprint and the emission hook.
type Function interface {
	// Name returns the kernel name.
	Name() string

	// CacheKey returns a deterministic fingerprint of the function body.
	CacheKey() string

	// EmitIR translates the body into the initial IR module, applying the given
	// specialization and options.
	EmitIR(spec *Specialization, opts *backends.Options) (backends.Module, error)
}

// InstanceDescriptor holds per-argument-position specialization hints: they change the
// generated artifact without changing the declared type signature.
type InstanceDescriptor struct {
	DivisibleBy16 types.Set[int]
	DivisibleBy8  types.Set[int]
	EqualTo1      types.Set[int]
	FoldedArgs    types.Set[int]
}

// Hash returns a deterministic fingerprint of the descriptor.
func (d *InstanceDescriptor) Hash() string {
	key := fmt.Sprintf("%v-%v-%v-%v",
		types.Sorted(d.DivisibleBy16), types.Sorted(d.DivisibleBy8),
		types.Sorted(d.EqualTo1), types.Sorted(d.FoldedArgs))
	return hashString(key)
}

// Specialization bundles everything the frontend needs to emit a specialized kernel
// instance: the hints, the argument signature and the compile-time constants.
type Specialization struct {
	Config    *InstanceDescriptor
	Signature map[int]string
	Constants map[string]any
}

// Hash returns a deterministic fingerprint of the specialization.
func (s *Specialization) Hash() string {
	return hashString(fmt.Sprintf("%s-%s-%s", s.Config.Hash(),
		signatureKey(s.Signature), constantsKey(s.Constants)))
}

// ParseSignature splits a comma-separated type string ("*fp32, i32") into the
// positional signature mapping.
func ParseSignature(signature string) map[int]string {
	parsed := make(map[int]string)
	if strings.TrimSpace(signature) == "" {
		return parsed
	}
	for i, ty := range strings.Split(signature, ",") {
		parsed[i] = strings.TrimSpace(ty)
	}
	return parsed
}

func signatureKey(signature map[int]string) string {
	positions := maps.Keys(signature)
	slices.Sort(positions)
	parts := make([]string, 0, len(positions))
	for _, pos := range positions {
		parts = append(parts, fmt.Sprintf("%d:%s", pos, signature[pos]))
	}
	return strings.Join(parts, ",")
}

func constantsKey(constants map[string]any) string {
	names := maps.Keys(constants)
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, constants[name]))
	}
	return strings.Join(parts, ",")
}

func hashString(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}

// FuncSource is a Source backed by a structured function description.
type FuncSource struct {
	fn        Function
	signature map[int]string
	constants map[string]any
	config    *InstanceDescriptor
}

// NewFuncSource builds a Source from a frontend function. The signature maps argument
// position to its type string (see ParseSignature for the comma-separated form);
// constants and config may be nil.
func NewFuncSource(fn Function, signature map[int]string, constants map[string]any, config *InstanceDescriptor) *FuncSource {
	if constants == nil {
		constants = make(map[string]any)
	}
	if config == nil {
		config = &InstanceDescriptor{}
	}
	return &FuncSource{fn: fn, signature: signature, constants: constants, config: config}
}

// Name returns the kernel name.
func (s *FuncSource) Name() string { return s.fn.Name() }

// Format returns the native format of frontend-emitted kernels.
func (s *FuncSource) Format() string { return FormatTTIR }

// Hash is a pure function of the function body fingerprint, the specialization hints,
// the signature and the constants.
func (s *FuncSource) Hash() string {
	key := fmt.Sprintf("%s-%s-%s-%s", s.fn.CacheKey(), s.config.Hash(),
		signatureKey(s.signature), constantsKey(s.constants))
	return hashString(key)
}

// EmitIR delegates to the frontend.
func (s *FuncSource) EmitIR(opts *backends.Options) (backends.Module, error) {
	spec := &Specialization{Config: s.config, Signature: s.signature, Constants: s.constants}
	module, err := s.fn.EmitIR(spec, opts)
	if err != nil {
		return backends.Module{}, &ParseError{Name: s.fn.Name(), Msg: "frontend failed to emit IR", Err: err}
	}
	return module, nil
}

// Refine is a no-op for function sources.
func (s *FuncSource) Refine(opts *backends.Options) error { return nil }

// foldedArgPositions returns the sorted positions of arguments folded out by
// specialization, recorded in the compiled metadata.
func (s *FuncSource) foldedArgPositions() []int {
	return types.Sorted(s.config.FoldedArgs)
}

// Kernel prototype patterns per text format, used to recover the kernel name and the
// positional argument signature from supplied IR text.
var (
	mlirPrototypeRe = regexp.MustCompile(`(?m)^\s*tt\.func\s+(?:public\s+)?@(\w+)(\((?:%\w+: [\S\s]+(?: \{\S+ = \S+ : \S+\})?(?:, )?)*\))\s*(attributes \{[\S\s]+\})?\s+\{\s*$`)
	ptxPrototypeRe  = regexp.MustCompile(`\.(?:visible|extern)\s+\.(?:entry|func)\s+(\w+)\s*\(([^)]*)\)`)

	mlirArgTypeRe = regexp.MustCompile(`%\w+: ((?:[^,\s<]+|<[^>]+>)+),?`)
	ptxArgTypeRe  = regexp.MustCompile(`\.param\s+\.(\w+)`)

	prototypeRe = map[string]*regexp.Regexp{
		FormatTTIR:  mlirPrototypeRe,
		FormatTTGIR: mlirPrototypeRe,
		FormatPTX:   ptxPrototypeRe,
	}
	argTypeRe = map[string]*regexp.Regexp{
		FormatTTIR:  mlirArgTypeRe,
		FormatTTGIR: mlirArgTypeRe,
		FormatPTX:   ptxArgTypeRe,
	}
)

var ptrTypeRe = regexp.MustCompile(`!tt\.ptr<([^,]+)`)

// convertTypeRepr normalizes an IR-level argument type to the driver's short form:
// pointer types "!tt.ptr<f32>" become "*f32", recursively. Only the pointee type is
// captured (address-space qualifiers are dropped), and the pointer is assumed to be on
// global memory.
func convertTypeRepr(ty string) string {
	if match := ptrTypeRe.FindStringSubmatch(ty); match != nil {
		return "*" + convertTypeRepr(strings.TrimSuffix(match[1], ">"))
	}
	return ty
}

// Embedded module attributes recognized by Refine.
var (
	numWarpsAttrRe      = regexp.MustCompile(`"triton_gpu\.num-warps"\s?=\s?(\d+)\s?:`)
	numWarpGroupsAttrRe = regexp.MustCompile(`"triton_gpu\.num-warp-groups-per-cta"\s?=\s?(\d+)\s?:`)
)

// IRSource is a Source backed by a pre-lowered IR text file; the format is inferred
// from the file extension.
type IRSource struct {
	path      string
	format    string
	name      string
	src       string
	signature map[int]string
}

// NewIRSource reads the IR file at path and recovers the kernel name and positional
// signature from its prototype.
func NewIRSource(path string) (*IRSource, error) {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	re, known := prototypeRe[format]
	if !known {
		return nil, &ParseError{Name: path, Msg: fmt.Sprintf("unsupported IR format %q", format)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Name: path, Msg: "failed to read IR file", Err: err}
	}
	src := string(data)
	match := re.FindStringSubmatch(src)
	if match == nil {
		return nil, &ParseError{Name: path, Msg: "no kernel prototype found"}
	}
	// The captured argument list still carries its enclosing parentheses; strip them
	// so the type of the last argument does not swallow the closing one.
	argList := strings.TrimSuffix(strings.TrimPrefix(match[2], "("), ")")
	signature := make(map[int]string)
	for i, argMatch := range argTypeRe[format].FindAllStringSubmatch(argList, -1) {
		signature[i] = convertTypeRepr(argMatch[1])
	}
	return &IRSource{
		path:      path,
		format:    format,
		name:      match[1],
		src:       src,
		signature: signature,
	}, nil
}

// Name returns the kernel name parsed from the prototype.
func (s *IRSource) Name() string { return s.name }

// Format returns the format inferred from the file extension.
func (s *IRSource) Format() string { return s.format }

// Signature returns the positional argument signature parsed from the prototype.
func (s *IRSource) Signature() map[int]string { return s.signature }

// Hash is a pure function of the file contents.
func (s *IRSource) Hash() string { return hashString(s.src) }

// EmitIR returns the stored text as the initial module: the pipeline resumes at this
// source's native stage, skipping everything before it.
func (s *IRSource) EmitIR(opts *backends.Options) (backends.Module, error) {
	return backends.Module{Format: s.format, Data: []byte(s.src)}, nil
}

// Refine extracts the embedded warp-count attribute from ttgir text and overwrites the
// corresponding option. Exactly one "num-warps" attribute is required; when warp
// specialization is enabled, the effective warp count is multiplied by the number of
// specialized groups, whose attribute may appear at most once.
func (s *IRSource) Refine(opts *backends.Options) error {
	if s.format != FormatTTGIR {
		return nil
	}
	warps := numWarpsAttrRe.FindAllStringSubmatch(s.src, -1)
	if len(warps) != 1 {
		return &MalformedIRError{Attribute: "triton_gpu.num-warps", Count: len(warps)}
	}
	numWarps, _ := strconv.Atoi(warps[0][1])
	groups := numWarpGroupsAttrRe.FindAllStringSubmatch(s.src, -1)
	if len(groups) > 1 {
		return &MalformedIRError{Attribute: "triton_gpu.num-warp-groups-per-cta", Count: len(groups)}
	}
	if len(groups) == 1 {
		numGroups, _ := strconv.Atoi(groups[0][1])
		numWarps *= numGroups
	}
	opts.NumWarps = numWarps
	return nil
}
