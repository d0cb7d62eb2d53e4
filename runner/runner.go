// Package runner tabulates compiled cell kernels on an OCCA device. It
// implements assemble.BatchTabulator for the occa backend.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/notargets/gocca"

	"github.com/notargets/FEKernel/builder"
	"github.com/notargets/FEKernel/kernel"
	"github.com/notargets/FEKernel/logging"
	"github.com/notargets/FEKernel/partitions"
	"github.com/notargets/FEKernel/utils"
)

// DefaultChunkSize is the number of cells per device partition
const DefaultChunkSize = 256

// Runner owns one device shared by every rank of a process. Calls are
// serialized on the device.
type Runner struct {
	// ChunkSize bounds the cells handled by one @inner loop
	ChunkSize int

	mu     sync.Mutex
	device *gocca.OCCADevice
	owned  bool
	okl    map[string]*kernel.OKL // by kernel hash
}

// New opens a device from OCCA JSON properties, see utils.CreateDevice
func New(ctx context.Context, props string) (*Runner, error) {
	device, err := utils.CreateDevice(ctx, props)
	if err != nil {
		return nil, err
	}
	r := NewWithDevice(device)
	r.owned = true
	return r, nil
}

// NewWithDevice runs on a device the caller keeps ownership of
func NewWithDevice(device *gocca.OCCADevice) *Runner {
	return &Runner{ChunkSize: DefaultChunkSize, device: device, okl: make(map[string]*kernel.OKL)}
}

func (r *Runner) Mode() string { return r.device.Mode() }

// Free releases the device if the runner opened it
func (r *Runner) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned && r.device != nil {
		r.device.Free()
	}
	r.device = nil
}

// source returns the cached device source of k. Errors match
// ferrors.ErrUnsupportedForm when k has no device form.
func (r *Runner) source(k *kernel.Kernel) (*kernel.OKL, error) {
	if o, ok := r.okl[k.Hash]; ok {
		return o, nil
	}
	o, err := kernel.GenerateOKL(k, kernelName(k.Hash))
	if err != nil {
		return nil, err
	}
	r.okl[k.Hash] = o
	return o, nil
}

func kernelName(hash string) string {
	clean := strings.Map(func(c rune) rune {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			return c
		}
		return -1
	}, hash)
	return "fe_" + clean[:min(16, len(clean))]
}

// TabulateCells evaluates k on every cell. coords[i] are the vertex
// coordinates of cell i and coeffs[i][slot] its coefficient values.
func (r *Runner) TabulateCells(ctx context.Context, k *kernel.Kernel, coords [][][]float64,
	coeffs [][][]float64, consts []float64) ([][]float64, error) {
	n := len(coords)
	if n == 0 {
		return nil, nil
	}
	if len(coeffs) != n {
		return nil, fmt.Errorf("%d coefficient sets for %d cells", len(coeffs), n)
	}
	if len(consts) != k.NumConstants {
		return nil, fmt.Errorf("kernel takes %d constants, got %d", k.NumConstants, len(consts))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return nil, fmt.Errorf("runner is freed")
	}
	o, err := r.source(k)
	if err != nil {
		return nil, err
	}

	geom := make([]float64, 0, n*o.GeomStride)
	ws := make([][]float64, len(o.CoefficientStride))
	for i := range coords {
		g, err := kernel.PackGeometry(coords[i])
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		geom = append(geom, g...)
		if len(coeffs[i]) != len(ws) {
			return nil, fmt.Errorf("cell %d: %d coefficients for %d slots", i, len(coeffs[i]), len(ws))
		}
		for s, stride := range o.CoefficientStride {
			if len(coeffs[i][s]) != stride {
				return nil, fmt.Errorf("cell %d slot %d: %d values, want %d", i, s, len(coeffs[i][s]), stride)
			}
			ws[s] = append(ws[s], coeffs[i][s]...)
		}
	}

	layout, err := (&partitions.PartitionBuilder{NumElements: n, TargetPartitionSize: r.chunk()}).BuildPartitions()
	if err != nil {
		return nil, err
	}
	kb, err := builder.New(r.device, builder.Config{K: layout.K(), FloatType: builder.Float64, IntType: builder.INT64})
	if err != nil {
		return nil, err
	}
	defer kb.Free()
	for name, m := range o.Matrices {
		kb.AddStaticMatrix(name, m)
	}

	specs := []builder.ArraySpec{{Name: "geom", Size: int64(len(geom) * 8), DataType: builder.Float64,
		Alignment: builder.CacheLineAlign}}
	args := []interface{}{"geom"}
	for s := range ws {
		name := fmt.Sprintf("w%d", s)
		specs = append(specs, builder.ArraySpec{Name: name, Size: int64(len(ws[s]) * 8), DataType: builder.Float64,
			Alignment: builder.CacheLineAlign})
		args = append(args, name)
	}
	specs = append(specs, builder.ArraySpec{Name: "A", Size: int64(n * o.Size * 8), DataType: builder.Float64,
		Alignment: builder.CacheLineAlign})
	args = append(args, "A")
	if err := kb.AllocateArrays(specs); err != nil {
		return nil, err
	}
	if err := builder.CopyArrayToDevice(kb, "geom", geom); err != nil {
		return nil, err
	}
	for s, w := range ws {
		if err := builder.CopyArrayToDevice(kb, fmt.Sprintf("w%d", s), w); err != nil {
			return nil, err
		}
	}
	constMem, err := builder.Malloc(kb, "consts", consts)
	if err != nil {
		return nil, err
	}
	args = append(args, constMem)

	if _, err := kb.BuildKernel(o.Source, o.Name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := kb.RunKernel(o.Name, args...); err != nil {
		return nil, err
	}
	flat, err := builder.CopyArrayToHost[float64](kb, "A")
	if err != nil {
		return nil, err
	}
	out := make([][]float64, n)
	for i := range out {
		out[i] = flat[i*o.Size : (i+1)*o.Size : (i+1)*o.Size]
	}
	logging.FromContext(ctx).Debug("device tabulation", "kernel", o.Name, "cells", n,
		"partitions", layout.NumPartitions, "mode", r.device.Mode())
	return out, nil
}

func (r *Runner) chunk() int {
	if r.ChunkSize < 1 {
		return DefaultChunkSize
	}
	return r.ChunkSize
}
