// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradcheck verifies gradients computed by package graph against finite-difference estimates.
//
// For each random direction d (over all the nodes the gradient is taken with respect to), it compares the
// analytic directional derivative ⟨∇f, d⟩ with the central difference (f(x+εd) - f(x-εd)) / 2ε.
package gradcheck

import (
	_ "embed"
	"math"
	"math/rand/v2"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config of the checker.
type Config struct {
	// Epsilon is the size of the perturbation along each direction.
	Epsilon float64 `yaml:"epsilon"`

	// RelTol and AbsTol are the tolerances when comparing the analytic and numeric derivatives: they
	// match if they are within either of them, as in scalar.EqualWithinAbsOrRel.
	RelTol float64 `yaml:"rel_tol"`
	AbsTol float64 `yaml:"abs_tol"`

	// Directions is the number of random directions checked.
	Directions int `yaml:"directions"`

	// Seed of the random number generator used for the directions.
	Seed uint64 `yaml:"seed"`
}

//go:embed default.yaml
var defaultConfigYAML []byte

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		exceptions.Panicf("gradcheck: invalid embedded default configuration: %v", err)
	}
	return cfg
}

// ParseConfig parses a YAML configuration. Fields not set keep their default values.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse gradcheck configuration")
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads a YAML configuration file. Fields not set keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read gradcheck configuration from %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return cfg, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// Validate returns an error if the configuration values are not usable.
func (cfg Config) Validate() error {
	switch {
	case cfg.Epsilon <= 0:
		return errors.Errorf("epsilon must be > 0, got %g", cfg.Epsilon)
	case cfg.RelTol < 0 || cfg.AbsTol < 0:
		return errors.Errorf("tolerances must be >= 0, got rel_tol=%g and abs_tol=%g", cfg.RelTol, cfg.AbsTol)
	case cfg.Directions <= 0:
		return errors.Errorf("directions must be > 0, got %d", cfg.Directions)
	}
	return nil
}

// Result of the check along one direction.
type Result struct {
	Analytic, Numeric float64
	OK                bool
}

// Report of a Check.
type Report struct {
	Results  []Result
	Failures int

	// MaxAbsError is the largest absolute difference between analytic and numeric derivatives.
	MaxAbsError float64
}

// OK returns whether all directions matched.
func (r *Report) OK() bool { return r.Failures == 0 }

// Check compares the gradient of the scalar root with respect to wrt (which must be fed symbols) with
// finite-difference estimates, evaluated at the values in params.
func Check(root *graph.Node, wrt []*graph.Node, params simplego.ParamsMap, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := make(simplego.ParamsMap, len(params))
	for node, value := range params {
		base[node] = tensors.FromValue(value).AsDType(node.DType())
	}
	points := make([]*tensors.Tensor, len(wrt))
	for ii, node := range wrt {
		if !node.Type().IsSymbol() {
			return nil, errors.Errorf("gradient checked with respect to %s, but only Var and Shared nodes can be perturbed", node)
		}
		value, found := base[node]
		if !found {
			return nil, errors.Errorf("no value given for %q", node.Name())
		}
		points[ii] = value.(*tensors.Tensor)
	}

	grads, err := graph.TryGradient(root, wrt...)
	if err != nil {
		return nil, err
	}
	gradValues, err := simplego.Execute(base, grads...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to evaluate gradients")
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	report := &Report{Results: make([]Result, 0, cfg.Directions)}
	for range cfg.Directions {
		directions := randomDirections(rng, points)
		var analytic float64
		for ii, grad := range gradValues {
			analytic += floats.Dot(grad.Flat(), directions[ii])
		}
		plus, err := evalPerturbed(root, base, wrt, points, directions, cfg.Epsilon)
		if err != nil {
			return nil, err
		}
		minus, err := evalPerturbed(root, base, wrt, points, directions, -cfg.Epsilon)
		if err != nil {
			return nil, err
		}
		numeric := (plus - minus) / (2 * cfg.Epsilon)
		result := Result{
			Analytic: analytic,
			Numeric:  numeric,
			OK:       scalar.EqualWithinAbsOrRel(analytic, numeric, cfg.AbsTol, cfg.RelTol),
		}
		if !result.OK {
			report.Failures++
			klog.V(1).Infof("gradcheck: analytic %g != numeric %g", analytic, numeric)
		}
		report.MaxAbsError = math.Max(report.MaxAbsError, math.Abs(analytic-numeric))
		report.Results = append(report.Results, result)
	}
	return report, nil
}

// randomDirections returns a random unit-norm direction over all the points.
func randomDirections(rng *rand.Rand, points []*tensors.Tensor) [][]float64 {
	directions := make([][]float64, len(points))
	var norm2 float64
	for ii, point := range points {
		directions[ii] = make([]float64, point.Size())
		for jj := range directions[ii] {
			directions[ii][jj] = rng.NormFloat64()
		}
		norm2 += floats.Dot(directions[ii], directions[ii])
	}
	if norm2 == 0 {
		return directions
	}
	for _, direction := range directions {
		floats.Scale(1/math.Sqrt(norm2), direction)
	}
	return directions
}

// evalPerturbed evaluates root with each point moved by scale*direction.
func evalPerturbed(root *graph.Node, base simplego.ParamsMap, wrt []*graph.Node, points []*tensors.Tensor,
	directions [][]float64, scale float64) (float64, error) {
	params := make(simplego.ParamsMap, len(base))
	for node, value := range base {
		params[node] = value
	}
	for ii, node := range wrt {
		moved := make([]float64, points[ii].Size())
		floats.AddScaledTo(moved, points[ii].Flat(), scale, directions[ii])
		params[node] = tensors.FromFlat(points[ii].Shape(), moved)
	}
	results, err := simplego.Execute(params, root)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to evaluate perturbed root")
	}
	return results[0].Flat()[0], nil
}
