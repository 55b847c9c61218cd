// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigml

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// JobKind is the kind of learner a job runs.
type JobKind int

const (
	// KindInvalid is the zero JobKind; it is never valid.
	KindInvalid JobKind = iota
	// LinearRegression fits a linear model by gradient descent.
	LinearRegression
	// LogisticRegression fits a binary logistic model by gradient descent.
	LogisticRegression
	// KMeans clusters rows around k centroids.
	KMeans
	// DBSCAN clusters rows by density.
	DBSCAN
)

var jobKindNames = map[JobKind]string{
	LinearRegression:   "linear-regression",
	LogisticRegression: "logistic-regression",
	KMeans:             "k-means",
	DBSCAN:             "dbscan",
}

func (k JobKind) String() string {
	if name, ok := jobKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("JobKind(%d)", int(k))
}

// JobKinds returns all valid job kinds.
func JobKinds() []JobKind {
	return []JobKind{LinearRegression, LogisticRegression, KMeans, DBSCAN}
}

// ParseJobKind parses a job kind name. Names are matched
// case-insensitively; "kmeans" is accepted for "k-means".
func ParseJobKind(s string) (JobKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "kmeans" {
		name = "k-means"
	}
	for kind, n := range jobKindNames {
		if n == name {
			return kind, nil
		}
	}
	return KindInvalid, E(Protocol, fmt.Sprintf("unknown job kind %q", s))
}

// Strategy is a partitioning strategy.
type Strategy int

const (
	// Row partitions into equal contiguous row slabs; the last
	// partition absorbs the remainder.
	Row Strategy = iota
	// Column partitions into equal contiguous column slabs.
	Column
	// Block partitions into a k×k grid of submatrices.
	Block
	// RoundRobin assigns row i to partition i mod N.
	RoundRobin
)

var strategyNames = [...]string{
	Row:        "row",
	Column:     "column",
	Block:      "block",
	RoundRobin: "round-robin",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// RowWise tells whether partitions under this strategy hold
// complete rows.
func (s Strategy) RowWise() bool {
	return s == Row || s == RoundRobin
}

// ParseStrategy parses a partitioning strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for i, name := range strategyNames {
		if name == s {
			return Strategy(i), nil
		}
	}
	return 0, E(Validation, fmt.Sprintf("unknown partitioning strategy %q", s))
}

// Regularizer is the type of penalty added to a learner's loss.
type Regularizer int

const (
	// NoRegularizer adds no penalty.
	NoRegularizer Regularizer = iota
	// L1 adds λ·Σ|w|.
	L1
	// L2 adds λ·Σw².
	L2
)

var regularizerNames = [...]string{
	NoRegularizer: "none",
	L1:            "l1",
	L2:            "l2",
}

func (r Regularizer) String() string {
	if r < 0 || int(r) >= len(regularizerNames) {
		return fmt.Sprintf("Regularizer(%d)", int(r))
	}
	return regularizerNames[r]
}

// ParseRegularizer parses a regularizer name.
func ParseRegularizer(s string) (Regularizer, error) {
	name := strings.ToLower(s)
	if name == "" {
		return NoRegularizer, nil
	}
	for i, n := range regularizerNames {
		if n == name {
			return Regularizer(i), nil
		}
	}
	return 0, E(Validation, fmt.Sprintf("unknown regularizer %q", s))
}

// Regularization configures a learner's penalty term.
type Regularization struct {
	Type   Regularizer
	Lambda float64
}

// Kind-specific parameter names.
const (
	ParamLoss        = "loss"
	ParamOptimizer   = "optimizer"
	ParamMomentum    = "momentum"
	ParamBeta1       = "beta1"
	ParamBeta2       = "beta2"
	ParamEpsilon     = "epsilon"
	ParamClipMax     = "clip_max"
	ParamBatchSize   = "batch_size"
	ParamWarmStart   = "warm_start"
	ParamSeed        = "seed"
	ParamK           = "k"
	ParamInit        = "init"
	ParamNInit       = "n_init"
	ParamEps         = "eps"
	ParamMinPoints   = "min_points"
	ParamBoundary    = "boundary"
	ParamApproximate = "approximate"
)

// paramChecks enumerates, per job kind, the accepted parameters
// and a check for each value.
var paramChecks = map[JobKind]map[string]func(string) error{
	LinearRegression: {
		ParamLoss:      oneOf("mse", "mae"),
		ParamOptimizer: oneOf("sgd", "momentum", "adam"),
		ParamMomentum:  floatIn(0, 1, false),
		ParamBeta1:     floatIn(0, 1, false),
		ParamBeta2:     floatIn(0, 1, false),
		ParamEpsilon:   floatAbove(0),
		ParamClipMax:   floatAbove(0),
		ParamBatchSize: intAtLeast(0),
		ParamWarmStart: nonEmpty,
		ParamSeed:      intAtLeast(0),
	},
	LogisticRegression: {
		ParamLoss:      oneOf("log"),
		ParamOptimizer: oneOf("sgd", "momentum", "adam"),
		ParamMomentum:  floatIn(0, 1, false),
		ParamBeta1:     floatIn(0, 1, false),
		ParamBeta2:     floatIn(0, 1, false),
		ParamEpsilon:   floatAbove(0),
		ParamClipMax:   floatAbove(0),
		ParamBatchSize: intAtLeast(0),
		ParamWarmStart: nonEmpty,
		ParamSeed:      intAtLeast(0),
	},
	KMeans: {
		ParamK:     intAtLeast(1),
		ParamInit:  oneOf("random", "kmeans++", "farthest"),
		ParamNInit: intAtLeast(1),
		ParamSeed:  intAtLeast(0),
	},
	DBSCAN: {
		ParamEps:         floatAbove(0),
		ParamMinPoints:   intAtLeast(1),
		ParamBoundary:    oneOf("exact", "hull"),
		ParamApproximate: isBool,
	},
}

// requiredParams lists parameters that must be present per kind.
var requiredParams = map[JobKind][]string{
	KMeans: {ParamK},
	DBSCAN: {ParamEps, ParamMinPoints},
}

// Descriptor describes a job: what to compute, over which data, and
// how.
type Descriptor struct {
	// Kind is the learner to run.
	Kind JobKind
	// Input is the storage key of the input dataset. Output is the
	// key under which the final model is written.
	Input, Output string
	// Partitioning determines how the input is split among ranks.
	Partitioning Strategy
	// Ranks is the number of ranks that participate in the job.
	// Zero means one.
	Ranks int
	// MaxIterations caps the number of BSP iterations.
	MaxIterations int
	// Tolerance is the convergence threshold.
	Tolerance float64
	// LearningRate is the gradient learners' step size.
	LearningRate float64
	// Regularization configures the gradient learners' penalty.
	Regularization Regularization
	// Params holds kind-specific parameters.
	Params map[string]string
	// CheckpointInterval is the number of iterations between
	// checkpoints; zero disables periodic checkpoints.
	CheckpointInterval int
	// IterationTimeout bounds the wall clock of a single iteration;
	// zero means no bound.
	IterationTimeout time.Duration
	// Cores and MemoryBytes estimate the job's resource demand, and
	// are used by resource-aware placement.
	Cores       int
	MemoryBytes int64
}

// NumRanks returns the number of ranks the job runs on.
func (d Descriptor) NumRanks() int {
	if d.Ranks <= 0 {
		return 1
	}
	return d.Ranks
}

// Param returns the named parameter, or def if it is not set.
func (d Descriptor) Param(name, def string) string {
	if v, ok := d.Params[name]; ok {
		return v
	}
	return def
}

// IntParam returns the named integer parameter, or def if it is
// not set.
func (d Descriptor) IntParam(name string, def int) (int, error) {
	v, ok := d.Params[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, E(Validation, fmt.Sprintf("parameter %s: %v", name, err))
	}
	return n, nil
}

// FloatParam returns the named floating point parameter, or def if
// it is not set.
func (d Descriptor) FloatParam(name string, def float64) (float64, error) {
	v, ok := d.Params[name]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, E(Validation, fmt.Sprintf("parameter %s: %v", name, err))
	}
	return f, nil
}

// BoolParam returns the named boolean parameter, or def if it is
// not set.
func (d Descriptor) BoolParam(name string, def bool) (bool, error) {
	v, ok := d.Params[name]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, E(Validation, fmt.Sprintf("parameter %s: %v", name, err))
	}
	return b, nil
}

// Supervised tells whether the job's input carries labels.
func (d Descriptor) Supervised() bool {
	return d.Kind == LinearRegression || d.Kind == LogisticRegression
}

// PartitionIDs returns the identifiers of the partitions the job
// reads. These are used to match jobs with workers that hold the
// partitions in their caches.
func (d Descriptor) PartitionIDs() []string {
	n := d.NumRanks()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = PartitionID(d.Input, d.Partitioning, i, n)
	}
	return ids
}

// PartitionID returns the canonical identifier of partition index
// of count of the artefact at key under strategy s.
func PartitionID(key string, s Strategy, index, count int) string {
	return fmt.Sprintf("%s@%s/%d-of-%d", key, s, index, count)
}

// Validate checks the descriptor. Unknown kinds fail with a
// protocol error; all other problems fail with a validation error.
func (d Descriptor) Validate() error {
	if _, ok := jobKindNames[d.Kind]; !ok {
		return E(Protocol, fmt.Sprintf("unknown job kind %d", int(d.Kind)))
	}
	switch {
	case d.Input == "":
		return E(Validation, "descriptor: missing input key")
	case d.Output == "":
		return E(Validation, "descriptor: missing output key")
	case d.Partitioning < Row || d.Partitioning > RoundRobin:
		return E(Validation, fmt.Sprintf("descriptor: unknown partitioning strategy %d", int(d.Partitioning)))
	case !d.Partitioning.RowWise():
		return E(Validation, fmt.Sprintf("descriptor: %s partitioning is not supported by %s, which requires whole rows", d.Partitioning, d.Kind))
	case d.Ranks < 0:
		return E(Validation, "descriptor: negative rank count")
	case d.MaxIterations <= 0:
		return E(Validation, "descriptor: iteration cap must be positive")
	case d.Tolerance < 0:
		return E(Validation, "descriptor: negative tolerance")
	case d.CheckpointInterval < 0:
		return E(Validation, "descriptor: negative checkpoint interval")
	case d.IterationTimeout < 0:
		return E(Validation, "descriptor: negative iteration timeout")
	case d.Cores < 0 || d.MemoryBytes < 0:
		return E(Validation, "descriptor: negative resource demand")
	}
	if d.Supervised() {
		if d.LearningRate <= 0 {
			return E(Validation, "descriptor: learning rate must be positive")
		}
		if d.Regularization.Type < NoRegularizer || d.Regularization.Type > L2 {
			return E(Validation, "descriptor: unknown regularizer")
		}
		if d.Regularization.Lambda < 0 {
			return E(Validation, "descriptor: negative regularization strength")
		}
	}
	checks := paramChecks[d.Kind]
	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check, ok := checks[name]
		if !ok {
			return E(Validation, fmt.Sprintf("descriptor: unknown parameter %q for %s", name, d.Kind))
		}
		if err := check(d.Params[name]); err != nil {
			return E(Validation, fmt.Sprintf("descriptor: parameter %s: %v", name, err))
		}
	}
	for _, name := range requiredParams[d.Kind] {
		if _, ok := d.Params[name]; !ok {
			return E(Validation, fmt.Sprintf("descriptor: %s requires parameter %s", d.Kind, name))
		}
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s->%s (%s, %d ranks)", d.Kind, d.Input, d.Output, d.Partitioning, d.NumRanks())
}

func oneOf(values ...string) func(string) error {
	return func(v string) error {
		for _, w := range values {
			if v == w {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", v, strings.Join(values, ", "))
	}
}

func floatIn(lo, hi float64, inclusive bool) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f < lo || f > hi || (!inclusive && f == hi) {
			return fmt.Errorf("%v out of range [%v, %v)", f, lo, hi)
		}
		return nil
	}
}

func floatAbove(lo float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f <= lo {
			return fmt.Errorf("%v must be greater than %v", f, lo)
		}
		return nil
	}
}

func intAtLeast(lo int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < lo {
			return fmt.Errorf("%d must be at least %d", n, lo)
		}
		return nil
	}
}

func nonEmpty(v string) error {
	if v == "" {
		return fmt.Errorf("empty value")
	}
	return nil
}

func isBool(v string) error {
	_, err := strconv.ParseBool(v)
	return err
}
