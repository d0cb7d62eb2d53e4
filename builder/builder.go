// Package builder owns device memory and programs for partition-parallel
// kernels. Every array is split into NumPartitions chunks of K[part]
// elements; a kernel's @outer loop walks partitions and its @inner loop
// walks the elements of one partition.
package builder

import (
	"fmt"
	"sort"
	"strings"
	"unsafe"

	"github.com/notargets/gocca"
	"gonum.org/v1/gonum/mat"
)

// DataType represents the precision of numerical data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

func (d DataType) size() int64 {
	switch d {
	case Float32, INT32:
		return 4
	}
	return 8
}

// AlignmentType specifies memory alignment requirements
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
	PageAlign      AlignmentType = 4096
)

// ArraySpec describes one partitioned array. Size is the total byte size
// over all elements, before alignment padding.
type ArraySpec struct {
	Name      string
	Size      int64
	Alignment AlignmentType
	DataType  DataType
}

type arrayMetadata struct {
	spec    ArraySpec
	offsets []int64 // per partition, in values
}

// Config holds configuration for creating a Builder
type Config struct {
	K         []int
	FloatType DataType
	IntType   DataType
}

// Builder manages code generation and execution for partition-parallel
// kernels on one device. It is not safe for concurrent use.
type Builder struct {
	NumPartitions int
	K             []int
	KpartMax      int

	FloatType DataType
	IntType   DataType

	// StaticMatrices are embedded in every kernel as const row-major arrays
	StaticMatrices map[string]mat.Matrix

	allocatedArrays []string
	arrayMetadata   map[string]arrayMetadata
	kernelPreamble  string

	device       *gocca.OCCADevice
	kernels      map[string]*gocca.OCCAKernel
	pooledMemory map[string]*gocca.OCCAMemory
}

// layout validates cfg and fills the partition fields without touching a
// device
func layout(cfg Config) (*Builder, error) {
	if len(cfg.K) == 0 {
		return nil, fmt.Errorf("K array cannot be empty")
	}
	kb := &Builder{
		NumPartitions:  len(cfg.K),
		K:              append([]int(nil), cfg.K...),
		FloatType:      cfg.FloatType,
		IntType:        cfg.IntType,
		StaticMatrices: make(map[string]mat.Matrix),
		arrayMetadata:  make(map[string]arrayMetadata),
		kernels:        make(map[string]*gocca.OCCAKernel),
		pooledMemory:   make(map[string]*gocca.OCCAMemory),
	}
	for p, k := range cfg.K {
		if k < 0 {
			return nil, fmt.Errorf("partition %d has negative size %d", p, k)
		}
		kb.KpartMax = max(kb.KpartMax, k)
	}
	if kb.KpartMax == 0 {
		return nil, fmt.Errorf("every partition is empty")
	}
	if kb.FloatType == 0 {
		kb.FloatType = Float64
	}
	if kb.IntType == 0 {
		kb.IntType = INT64
	}
	return kb, nil
}

// New creates a Builder on device and uploads the K array
func New(device *gocca.OCCADevice, cfg Config) (*Builder, error) {
	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	kb, err := layout(cfg)
	if err != nil {
		return nil, err
	}
	// @inner loops map onto one thread block or work group
	switch mode := device.Mode(); {
	case mode == "CUDA" && kb.KpartMax > 1024:
		return nil, fmt.Errorf("CUDA @inner limit exceeded: KpartMax=%d > 1024, reduce partition sizes", kb.KpartMax)
	case mode == "OpenCL" && kb.KpartMax > 1024:
		return nil, fmt.Errorf("OpenCL work group limit exceeded: KpartMax=%d > 1024, reduce partition sizes", kb.KpartMax)
	}
	kb.device = device

	if kb.IntType == INT32 {
		k32 := make([]int32, len(kb.K))
		for i, v := range kb.K {
			k32[i] = int32(v)
		}
		kb.pooledMemory["K"] = device.Malloc(int64(len(k32)*4), unsafe.Pointer(&k32[0]), nil)
	} else {
		k64 := make([]int64, len(kb.K))
		for i, v := range kb.K {
			k64[i] = int64(v)
		}
		kb.pooledMemory["K"] = device.Malloc(int64(len(k64)*8), unsafe.Pointer(&k64[0]), nil)
	}
	return kb, nil
}

// Free releases all kernels and device memory
func (kb *Builder) Free() {
	for _, kernel := range kb.kernels {
		kernel.Free()
	}
	for _, mem := range kb.pooledMemory {
		mem.Free()
	}
	clear(kb.kernels)
	clear(kb.pooledMemory)
}

func (kb *Builder) AddStaticMatrix(name string, m mat.Matrix) {
	kb.StaticMatrices[name] = m
	kb.kernelPreamble = ""
}

// AllocateArrays allocates device memory with per-partition offsets
func (kb *Builder) AllocateArrays(specs []ArraySpec) error {
	for _, spec := range specs {
		if err := kb.allocateSingleArray(spec); err != nil {
			return fmt.Errorf("failed to allocate %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (kb *Builder) allocateSingleArray(spec ArraySpec) error {
	if _, exists := kb.arrayMetadata[spec.Name]; exists {
		return fmt.Errorf("array %s already allocated", spec.Name)
	}
	if spec.DataType == 0 {
		spec.DataType = kb.FloatType
	}
	offsets, totalSize := kb.calculateAlignedOffsetsAndSize(spec)
	if totalSize == 0 {
		return fmt.Errorf("array %s is empty", spec.Name)
	}
	kb.pooledMemory[spec.Name+"_global"] = kb.device.Malloc(totalSize, nil, nil)

	if kb.IntType == INT32 {
		offsets32 := make([]int32, len(offsets))
		for i, v := range offsets {
			offsets32[i] = int32(v)
		}
		kb.pooledMemory[spec.Name+"_offsets"] = kb.device.Malloc(int64(len(offsets32)*4),
			unsafe.Pointer(&offsets32[0]), nil)
	} else {
		kb.pooledMemory[spec.Name+"_offsets"] = kb.device.Malloc(int64(len(offsets)*8),
			unsafe.Pointer(&offsets[0]), nil)
	}

	kb.allocatedArrays = append(kb.allocatedArrays, spec.Name)
	kb.arrayMetadata[spec.Name] = arrayMetadata{spec: spec, offsets: offsets}
	kb.kernelPreamble = ""
	return nil
}

// calculateAlignedOffsetsAndSize places each partition's chunk on an
// alignment boundary. Offsets are in values so kernels can add them to a
// typed pointer.
func (kb *Builder) calculateAlignedOffsetsAndSize(spec ArraySpec) ([]int64, int64) {
	offsets := make([]int64, kb.NumPartitions+1)
	valueSize := spec.DataType.size()
	valuesPerElement := kb.valuesPerElement(spec)

	alignment := int64(spec.Alignment)
	if alignment == 0 {
		alignment = int64(NoAlignment)
	}
	align := func(b int64) int64 { return ((b + alignment - 1) / alignment) * alignment }

	var cur int64
	for i := 0; i < kb.NumPartitions; i++ {
		cur = align(cur)
		offsets[i] = cur / valueSize
		cur += int64(kb.K[i]) * valuesPerElement * valueSize
	}
	cur = align(cur)
	offsets[kb.NumPartitions] = cur / valueSize
	return offsets, cur
}

func (kb *Builder) valuesPerElement(spec ArraySpec) int64 {
	return spec.Size / int64(kb.totalElements()) / spec.DataType.size()
}

func (kb *Builder) totalElements() int {
	total := 0
	for _, k := range kb.K {
		total += k
	}
	return total
}

// GeneratePreamble emits the types, constants, static matrices and
// partition access macros shared by every kernel. Output is deterministic
// so device compilers can cache builds.
func (kb *Builder) GeneratePreamble() string {
	var sb strings.Builder
	sb.WriteString(kb.generateTypeDefinitions())
	sb.WriteString(kb.generateStaticMatrices())
	sb.WriteString(kb.generatePartitionMacros())
	kb.kernelPreamble = sb.String()
	return kb.kernelPreamble
}

func (kb *Builder) generateTypeDefinitions() string {
	floatTypeStr, floatSuffix := "double", ""
	if kb.FloatType == Float32 {
		floatTypeStr, floatSuffix = "float", "f"
	}
	intTypeStr := "long"
	if kb.IntType == INT32 {
		intTypeStr = "int"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "typedef %s real_t;\n", floatTypeStr)
	fmt.Fprintf(&sb, "typedef %s int_t;\n", intTypeStr)
	fmt.Fprintf(&sb, "#define REAL_ZERO 0.0%s\n", floatSuffix)
	fmt.Fprintf(&sb, "#define REAL_ONE 1.0%s\n\n", floatSuffix)
	fmt.Fprintf(&sb, "#define NPART %d\n", kb.NumPartitions)
	fmt.Fprintf(&sb, "#define KpartMax %d\n\n", kb.KpartMax)
	return sb.String()
}

func (kb *Builder) generateStaticMatrices() string {
	if len(kb.StaticMatrices) == 0 {
		return ""
	}
	names := make([]string, 0, len(kb.StaticMatrices))
	for name := range kb.StaticMatrices {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("// Static matrices\n")
	for _, name := range names {
		sb.WriteString(kb.formatStaticMatrix(name, kb.StaticMatrices[name]))
	}
	return sb.String()
}

// formatStaticMatrix writes m as const real_t name[rows][cols]
func (kb *Builder) formatStaticMatrix(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder
	fmt.Fprintf(&sb, "const real_t %s[%d][%d] = {\n", name, rows, cols)
	for i := 0; i < rows; i++ {
		sb.WriteString("    {")
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			if kb.FloatType == Float32 {
				fmt.Fprintf(&sb, "%.9ef", m.At(i, j))
			} else {
				fmt.Fprintf(&sb, "%.17e", m.At(i, j))
			}
		}
		sb.WriteString("}")
		if i < rows-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("};\n\n")
	return sb.String()
}

func (kb *Builder) generatePartitionMacros() string {
	if len(kb.allocatedArrays) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("// Partition access macros\n")
	for _, name := range kb.allocatedArrays {
		fmt.Fprintf(&sb, "#define %s_PART(part) (%s_global + %s_offsets[part])\n", name, name, name)
	}
	sb.WriteString("\n")
	return sb.String()
}

// BuildKernel compiles kernelSource behind the preamble and registers it
func (kb *Builder) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	if kb.kernelPreamble == "" {
		kb.GeneratePreamble()
	}
	fullSource := kb.kernelPreamble + "\n" + kernelSource

	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	if kb.device.Mode() == "OpenMP" {
		// OpenMP builds do not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kb.device.BuildKernelFromString(fullSource, kernelName, props)
	} else {
		kernel, err = kb.device.BuildKernelFromString(fullSource, kernelName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}
	if old, ok := kb.kernels[kernelName]; ok {
		old.Free()
	}
	kb.kernels[kernelName] = kernel
	return kernel, nil
}

// RunKernel runs a registered kernel and waits for it. The K array is
// passed first; an argument naming an allocated array expands to its
// global and offsets memory; anything else is passed through.
func (kb *Builder) RunKernel(name string, args ...interface{}) error {
	kernel, exists := kb.kernels[name]
	if !exists {
		return fmt.Errorf("kernel %s not found", name)
	}
	if err := kernel.RunWithArgs(kb.expandKernelArgs(args)...); err != nil {
		return fmt.Errorf("kernel %s: %w", name, err)
	}
	kb.device.Finish()
	return nil
}

func (kb *Builder) expandKernelArgs(args []interface{}) []interface{} {
	expanded := []interface{}{kb.pooledMemory["K"]}
	for _, arg := range args {
		if name, ok := arg.(string); ok {
			globalMem, hasGlobal := kb.pooledMemory[name+"_global"]
			offsetMem, hasOffset := kb.pooledMemory[name+"_offsets"]
			if hasGlobal && hasOffset {
				expanded = append(expanded, globalMem, offsetMem)
				continue
			}
		}
		expanded = append(expanded, arg)
	}
	return expanded
}

// Malloc allocates unpartitioned device memory holding data, released by
// Free
func Malloc[T any](kb *Builder, name string, data []T) (*gocca.OCCAMemory, error) {
	if _, exists := kb.pooledMemory[name]; exists {
		return nil, fmt.Errorf("memory %s already allocated", name)
	}
	var sample T
	n := len(data)
	if n == 0 {
		// devices reject zero-byte allocations
		data, n = make([]T, 1), 1
	}
	mem := kb.device.Malloc(int64(n)*int64(unsafe.Sizeof(sample)), unsafe.Pointer(&data[0]), nil)
	kb.pooledMemory[name] = mem
	return mem, nil
}

func (kb *Builder) GetAllocatedArrays() []string {
	return append([]string(nil), kb.allocatedArrays...)
}

// GetArrayLogicalSize returns the number of values in an array, without
// padding
func (kb *Builder) GetArrayLogicalSize(name string) (int, error) {
	md, exists := kb.arrayMetadata[name]
	if !exists {
		return 0, fmt.Errorf("array %s not found", name)
	}
	return int(md.spec.Size / md.spec.DataType.size()), nil
}

func (kb *Builder) checkArray(name string, requested DataType) (arrayMetadata, *gocca.OCCAMemory, error) {
	md, exists := kb.arrayMetadata[name]
	if !exists {
		return md, nil, fmt.Errorf("array %s not found", name)
	}
	if requested != md.spec.DataType {
		return md, nil, fmt.Errorf("type mismatch: array %s is %v, requested %v", name, md.spec.DataType, requested)
	}
	return md, kb.pooledMemory[name+"_global"], nil
}

// CopyArrayToDevice writes host values, partition after partition, into
// the padded device layout
func CopyArrayToDevice[T any](kb *Builder, name string, data []T) error {
	var sample T
	md, memory, err := kb.checkArray(name, getDataTypeFromSample(sample))
	if err != nil {
		return err
	}
	logical, _ := kb.GetArrayLogicalSize(name)
	if len(data) != logical {
		return fmt.Errorf("array %s holds %d values, got %d", name, logical, len(data))
	}
	per := int(kb.valuesPerElement(md.spec))
	src := 0
	for p := 0; p < kb.NumPartitions; p++ {
		n := kb.K[p] * per
		if n == 0 {
			continue
		}
		memory.CopyFromWithOffset(unsafe.Pointer(&data[src]), int64(n)*int64(unsafe.Sizeof(sample)),
			md.offsets[p]*int64(unsafe.Sizeof(sample)))
		src += n
	}
	return nil
}

// CopyArrayToHost reads an array back from the device, removing alignment
// padding
func CopyArrayToHost[T any](kb *Builder, name string) ([]T, error) {
	var sample T
	md, memory, err := kb.checkArray(name, getDataTypeFromSample(sample))
	if err != nil {
		return nil, err
	}
	logical, _ := kb.GetArrayLogicalSize(name)
	result := make([]T, logical)
	per := int(kb.valuesPerElement(md.spec))
	dst := 0
	for p := 0; p < kb.NumPartitions; p++ {
		n := kb.K[p] * per
		if n == 0 {
			continue
		}
		memory.CopyToWithOffset(unsafe.Pointer(&result[dst]), int64(n)*int64(unsafe.Sizeof(sample)),
			md.offsets[p]*int64(unsafe.Sizeof(sample)))
		dst += n
	}
	return result, nil
}

func getDataTypeFromSample[T any](sample T) DataType {
	switch any(sample).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return INT32
	case int64:
		return INT64
	default:
		return 0
	}
}
