// Package preflight runs a sequence of named readiness checks with
// colored progress output.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// StepStatus is the outcome of a single check.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is what a check reports.
type Outcome struct {
	Status  StepStatus
	Message string
	Err     error
}

// Pass, Fail, Warn and Skip build outcomes.
func Pass(format string, args ...any) Outcome {
	return Outcome{Status: StepPassed, Message: fmt.Sprintf(format, args...)}
}

func Fail(err error, format string, args ...any) Outcome {
	return Outcome{Status: StepFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

func Warn(format string, args ...any) Outcome {
	return Outcome{Status: StepWarning, Message: fmt.Sprintf(format, args...)}
}

func Skip(format string, args ...any) Outcome {
	return Outcome{Status: StepSkipped, Message: fmt.Sprintf(format, args...)}
}

// CheckFunc performs one check. ctx carries the suite timeout.
type CheckFunc func(ctx context.Context) Outcome

// Step is a completed check.
type Step struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// Result summarizes a run.
type Result struct {
	Steps       []Step
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// Errors returns the errors of failed steps.
func (r Result) Errors() []error {
	var errs []error
	for _, s := range r.Steps {
		if s.Status == StepFailed && s.Error != nil {
			errs = append(errs, s.Error)
		}
	}
	return errs
}

type check struct {
	name      string
	fn        CheckFunc
	dependent bool
}

// Suite runs checks in registration order.
type Suite struct {
	output       io.Writer
	timeout      time.Duration
	showProgress bool
	failFast     bool
	checks       []check
}

// NewSuite returns a suite writing to stdout with a 30s per-check timeout.
func NewSuite() *Suite {
	return &Suite{
		output:       os.Stdout,
		timeout:      30 * time.Second,
		showProgress: true,
	}
}

func (s *Suite) WithOutput(w io.Writer) *Suite {
	s.output = w
	return s
}

// WithTimeout bounds each check.
func (s *Suite) WithTimeout(timeout time.Duration) *Suite {
	s.timeout = timeout
	return s
}

func (s *Suite) WithShowProgress(show bool) *Suite {
	s.showProgress = show
	return s
}

// WithFailFast stops at the first failed check.
func (s *Suite) WithFailFast(failFast bool) *Suite {
	s.failFast = failFast
	return s
}

// Add registers a check.
func (s *Suite) Add(name string, fn CheckFunc) *Suite {
	s.checks = append(s.checks, check{name: name, fn: fn})
	return s
}

// AddDependent registers a check that is skipped when any earlier check
// failed.
func (s *Suite) AddDependent(name string, fn CheckFunc) *Suite {
	s.checks = append(s.checks, check{name: name, fn: fn, dependent: true})
	return s
}

// Run executes every check and prints progress under title.
func (s *Suite) Run(ctx context.Context, title string) Result {
	start := time.Now()
	steps := make([]Step, 0, len(s.checks))

	if s.showProgress {
		s.printHeader(title)
	}

	for _, c := range s.checks {
		var step Step
		if c.dependent && !allPassed(steps) {
			step = Step{Name: c.name, Status: StepSkipped, Message: "Skipped due to earlier failures"}
			if s.showProgress {
				s.printStep(step)
			}
		} else {
			step = s.runStep(ctx, c)
		}
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	result := buildResult(steps, start)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *Suite) runStep(ctx context.Context, c check) Step {
	if s.showProgress {
		fmt.Fprintf(s.output, "  ◌ %s...", c.name)
	}

	stepCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	out := c.fn(stepCtx)
	step := Step{
		Name:    c.name,
		Status:  out.Status,
		Message: out.Message,
		Error:   out.Err,
		Latency: time.Since(started),
	}
	if step.Status == StepPending || step.Status == StepRunning {
		step.Status = StepPassed
	}

	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func allPassed(steps []Step) bool {
	for _, step := range steps {
		if step.Status == StepFailed {
			return false
		}
	}
	return true
}

func buildResult(steps []Step, start time.Time) Result {
	result := Result{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(start),
		Success:    true,
	}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

func (s *Suite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

func (s *Suite) printStep(step Step) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon = "✓"
		clr = color.New(color.FgGreen)
	case StepFailed:
		icon = "✗"
		clr = color.New(color.FgRed)
	case StepWarning:
		icon = "!"
		clr = color.New(color.FgYellow)
	case StepSkipped:
		icon = "○"
		clr = color.New(color.FgHiBlack)
	default:
		icon = "?"
		clr = color.New(color.FgWhite)
	}

	// overwrite the "running" line
	fmt.Fprintf(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Error != nil {
		color.New(color.FgRed).Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *Suite) printSummary(result Result) {
	fmt.Fprintln(s.output)
	dim := color.New(color.FgHiBlack)
	if result.Success {
		ok := color.New(color.FgGreen, color.Bold)
		ok.Fprintf(s.output, "━━━ Preflight Passed ")
		dim.Fprintf(s.output, "(%d/%d checks passed in %v)",
			result.PassedSteps, result.TotalSteps, result.Duration.Round(time.Millisecond))
		ok.Fprintln(s.output, " ━━━")
	} else {
		fail := color.New(color.FgRed, color.Bold)
		fail.Fprintf(s.output, "━━━ Preflight Failed ")
		dim.Fprintf(s.output, "(%d passed, %d failed)", result.PassedSteps, result.FailedSteps)
		fail.Fprintln(s.output, " ━━━")
	}
	fmt.Fprintln(s.output)
}
