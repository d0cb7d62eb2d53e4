// Package config holds the explicit options passed to the compiler and the
// assembly engine, and loads them from HCL files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

const (
	BackendGo   = "go"
	BackendOCCA = "occa"

	StrategyBlock      = "block"
	StrategyRoundRobin = "roundrobin"
)

// Options is the complete configuration of a run
type Options struct {
	Assembly   AssemblyOptions
	Partitions PartitionOptions
	Log        LogOptions
}

type AssemblyOptions struct {
	// MinQuadratureDegree is used for integrands that are not polynomial
	MinQuadratureDegree int
	// MaxQuadratureDegree caps the estimated degree of any integral
	MaxQuadratureDegree int
	HaloTimeout         time.Duration
	// ReuseSparsity keeps a matrix pattern across repeated assemblies
	ReuseSparsity bool
	Backend       string
	// DeviceProperties is the OCCA device JSON used by the occa backend
	DeviceProperties string
}

type PartitionOptions struct {
	Count    int
	Strategy string
}

type LogOptions struct {
	Level  string
	Format string
}

// Default returns the options used when nothing is configured
func Default() Options {
	return Options{
		Assembly: AssemblyOptions{
			MinQuadratureDegree: 2,
			MaxQuadratureDegree: 20,
			HaloTimeout:         30 * time.Second,
			Backend:             BackendGo,
			DeviceProperties:    `{"mode": "Serial"}`,
		},
		Partitions: PartitionOptions{Count: 1, Strategy: StrategyBlock},
		Log:        LogOptions{Level: "info", Format: "text"},
	}
}

// Validate checks option ranges and enumerations
func (o Options) Validate() error {
	a := o.Assembly
	if a.MinQuadratureDegree < 0 {
		return fmt.Errorf("assembly.min_quadrature_degree must be >= 0, got %d", a.MinQuadratureDegree)
	}
	if a.MaxQuadratureDegree < a.MinQuadratureDegree {
		return fmt.Errorf("assembly.max_quadrature_degree %d is below min_quadrature_degree %d",
			a.MaxQuadratureDegree, a.MinQuadratureDegree)
	}
	if a.HaloTimeout <= 0 {
		return fmt.Errorf("assembly.halo_timeout must be positive, got %s", a.HaloTimeout)
	}
	switch a.Backend {
	case BackendGo, BackendOCCA:
	default:
		return fmt.Errorf("assembly.backend must be %q or %q, got %q", BackendGo, BackendOCCA, a.Backend)
	}
	if o.Partitions.Count < 1 {
		return fmt.Errorf("partitions.count must be >= 1, got %d", o.Partitions.Count)
	}
	switch o.Partitions.Strategy {
	case StrategyBlock, StrategyRoundRobin:
	default:
		return fmt.Errorf("partitions.strategy must be %q or %q, got %q",
			StrategyBlock, StrategyRoundRobin, o.Partitions.Strategy)
	}
	switch o.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", o.Log.Level)
	}
	return nil
}

// hclFile represents the top-level structure of a configuration file for decoding.
type hclFile struct {
	Assembly   *hclAssembly   `hcl:"assembly,block"`
	Partitions *hclPartitions `hcl:"partitions,block"`
	Log        *hclLog        `hcl:"log,block"`
}

type hclAssembly struct {
	MinQuadratureDegree *int    `hcl:"min_quadrature_degree,optional"`
	MaxQuadratureDegree *int    `hcl:"max_quadrature_degree,optional"`
	HaloTimeout         *string `hcl:"halo_timeout,optional"`
	ReuseSparsity       *bool   `hcl:"reuse_sparsity,optional"`
	Backend             *string `hcl:"backend,optional"`
	DeviceProperties    *string `hcl:"device,optional"`
}

type hclPartitions struct {
	Count    *int    `hcl:"count,optional"`
	Strategy *string `hcl:"strategy,optional"`
}

type hclLog struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// Load reads an HCL configuration file. Values in vars are available to
// expressions as var.<name>. Unset attributes keep their defaults.
func Load(path string, vars map[string]cty.Value) (Options, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(src, path, vars)
}

// Parse decodes HCL source into Options
func Parse(src []byte, filename string, vars map[string]cty.Value) (Options, error) {
	opts := Default()

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return opts, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalContext(vars), &parsed)
	if diags.HasErrors() {
		return opts, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	if a := parsed.Assembly; a != nil {
		setInt(&opts.Assembly.MinQuadratureDegree, a.MinQuadratureDegree)
		setInt(&opts.Assembly.MaxQuadratureDegree, a.MaxQuadratureDegree)
		if a.HaloTimeout != nil {
			d, err := time.ParseDuration(*a.HaloTimeout)
			if err != nil {
				return opts, fmt.Errorf("assembly.halo_timeout in %s: %w", filename, err)
			}
			opts.Assembly.HaloTimeout = d
		}
		if a.ReuseSparsity != nil {
			opts.Assembly.ReuseSparsity = *a.ReuseSparsity
		}
		setString(&opts.Assembly.Backend, a.Backend)
		setString(&opts.Assembly.DeviceProperties, a.DeviceProperties)
	}
	if p := parsed.Partitions; p != nil {
		setInt(&opts.Partitions.Count, p.Count)
		setString(&opts.Partitions.Strategy, p.Strategy)
	}
	if l := parsed.Log; l != nil {
		setString(&opts.Log.Level, l.Level)
		setString(&opts.Log.Format, l.Format)
	}

	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return opts, nil
}

func evalContext(vars map[string]cty.Value) *hcl.EvalContext {
	if len(vars) == 0 {
		return nil
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
