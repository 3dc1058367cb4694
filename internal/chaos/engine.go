// Package chaos runs fault experiments against a running circulation
// service and checks that the single-open-checkout invariant survives them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment is one hypothesis about the system under a fault.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration is how long probes are sampled after the method ran.
	Duration time.Duration
}

// Probe is a measurable property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects a fault or undoes one.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion must hold for every sample observed for Probe.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Failed           []string               `json:"failed_assertions"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  Threshold `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs registered experiments one after another.
type Engine struct {
	log            *zap.Logger
	tracer         trace.Tracer
	sampleInterval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// NewEngine samples probes every sampleInterval while an experiment is
// observed; zero means one second.
func NewEngine(log *zap.Logger, sampleInterval time.Duration) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	return &Engine{
		log:            log,
		tracer:         otel.Tracer("librarycheckout/chaos"),
		sampleInterval: sampleInterval,
	}
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every result recorded so far, oldest first.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run validates the steady state, executes the method, samples the probes
// for the experiment's duration, rolls back, and checks the assertions.
// Rollback runs whenever the method was started.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	log := e.log.With(zap.String("experiment", exp.Name))
	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState, result); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		e.record(*result)
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			log.Warn("method action failed", zap.String("action", action.Type), zap.Error(err))
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	// the caller's context may already be done; rollback still has to run
	rollbackCtx := context.WithoutCancel(ctx)
	for _, action := range exp.Rollback {
		if err := action.Execute(rollbackCtx); err != nil {
			log.Error("rollback action failed", zap.String("action", action.Type), zap.Error(err))
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.Failed = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Failed) == 0 && len(result.Violations) == 0
	result.EndTime = time.Now()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	log.Info("experiment finished",
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Strings("failed_assertions", result.Failed),
		zap.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)

	e.record(*result)
	return result, ctx.Err()
}

func (e *Engine) checkSteadyState(ctx context.Context, probes []Probe, result *Result) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			result.addError(p.Name, err)
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold, Actual: -1, Timestamp: time.Now()})
			continue
		}
		if !p.Threshold.Holds(value) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold, Actual: value, Timestamp: time.Now()})
		}
	}
	return violations
}

// observe takes one sample immediately and then one per tick until the
// experiment's duration has passed.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	for {
		e.sample(ctx, exp.SteadyState, result)
		select {
		case <-observeCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) sample(ctx context.Context, probes []Probe, result *Result) {
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			result.addError(p.Name, err)
			continue
		}
		now := time.Now()
		result.Observations[p.Name] = append(result.Observations[p.Name], DataPoint{Timestamp: now, Value: value})
		if !p.Threshold.Holds(value) {
			result.Violations = append(result.Violations, Violation{Probe: p.Name, Expected: p.Threshold, Actual: value, Timestamp: now})
		}
	}
}

func validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Probe]
		if len(points) == 0 {
			failed = append(failed, a.Message+" (no observations)")
			continue
		}
		for _, p := range points {
			if !a.Condition(p.Value) {
				failed = append(failed, a.Message)
				break
			}
		}
	}
	return failed
}

func (e *Engine) record(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

func (r *Result) addError(component string, err error) {
	r.Errors = append(r.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: component})
}

// GameDay is a named batch of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause is waited between scenarios.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario and returns an error naming the
// scenarios whose hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)))
	defer span.End()

	e.log.Info("starting game day", zap.String("name", gd.Name), zap.Time("date", gd.Date),
		zap.Int("scenarios", len(gd.Scenarios)))

	var (
		results []Result
		errs    []error
	)
	for i, scenario := range gd.Scenarios {
		if i > 0 && gd.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, errors.Join(append(errs, ctx.Err())...)
			case <-time.After(gd.Pause):
			}
		}

		e.log.Info("running experiment", zap.Int("index", i+1), zap.String("name", scenario.Name),
			zap.String("hypothesis", scenario.Hypothesis))
		result, err := e.Run(ctx, scenario)
		if result != nil {
			results = append(results, *result)
		}
		switch {
		case err != nil:
			errs = append(errs, err)
		case !result.HypothesisHeld:
			errs = append(errs, fmt.Errorf("%s: hypothesis violated", scenario.Name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return results, err
	}
	return results, nil
}
