// Package repair salvages fragments the parser could not decode. Repair is a
// pure function of the fragment and the schema registry: the same input
// always yields the same result, and an Engine is safe for concurrent use.
package repair

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/honeyload/internal/parser"
	"github.com/telhawk-systems/honeyload/internal/schema"
)

// Permanent failure reasons produced by the engine. Parser reasons are
// reported unchanged when no strategy gets further.
const (
	ReasonUnrecognizable = "unrecognizable"
	ReasonUnattributable = schema.ReasonUnattributable
	ReasonSchemaMismatch = schema.ReasonSchemaMismatch
)

// ReasonSchemaViolation marks a failure built from an object that parsed but
// did not conform to its contract.
const ReasonSchemaViolation = "schema_violation"

// StrategyRevalidated is reported when the text was already a well-formed
// object that now conforms, typically a dead letter replayed against a newer
// catalogue.
const StrategyRevalidated = "revalidated"

// Evidence records what the engine tried.
type Evidence struct {
	// Classification is the first strategy whose pattern matched.
	Classification string
	Attempts       []string
	Detail         string
}

// Result is either a repaired event or a permanent failure.
type Result struct {
	Repaired bool
	Event    schema.Conformed
	Strategy string

	// Reason is set when Repaired is false.
	Reason   string
	Evidence Evidence
	Checksum string
}

// Engine applies an ordered list of strategies; the first reconstruction
// that conforms to the registry wins.
type Engine struct {
	reg        *schema.Registry
	strategies []Strategy
}

// New returns an Engine. With no strategies it uses DefaultStrategies.
func New(reg *schema.Registry, strategies ...Strategy) *Engine {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Engine{reg: reg, strategies: strategies}
}

// Strategies returns the strategy names in priority order.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// Repair attempts to reconstruct f.
func (e *Engine) Repair(f parser.Failure) Result {
	checksum := Checksum(f.Text)

	if !strings.ContainsAny(f.Text, `"{}[]`) {
		return Result{
			Reason:   ReasonUnrecognizable,
			Evidence: Evidence{Detail: "no quotes, braces or brackets"},
			Checksum: checksum,
		}
	}

	// A well-formed object is judged by its contract alone.
	if obj, ok := parser.DecodeObject([]byte(f.Text)); ok {
		conformed, violation := e.reg.Conform(obj)
		if violation != nil {
			return Result{
				Reason:   violation.Reason,
				Evidence: Evidence{Attempts: []string{StrategyRevalidated + ": " + violation.Reason}, Detail: violation.Detail},
				Checksum: checksum,
			}
		}
		return Result{
			Repaired: true,
			Event:    conformed,
			Strategy: StrategyRevalidated,
			Evidence: Evidence{Attempts: []string{StrategyRevalidated + ": ok"}},
			Checksum: checksum,
		}
	}

	var (
		ev           Evidence
		unattributed bool
		mismatched   bool
	)
	for _, s := range e.strategies {
		candidate, applies := s.Candidate(f.Text, e.reg)
		if !applies {
			continue
		}
		if ev.Classification == "" {
			ev.Classification = s.Name()
		}

		obj, ok := parser.DecodeObject([]byte(candidate))
		if !ok {
			ev.Attempts = append(ev.Attempts, s.Name()+": invalid json")
			continue
		}
		conformed, violation := e.reg.Conform(obj)
		if violation != nil {
			ev.Attempts = append(ev.Attempts, s.Name()+": "+violation.Reason)
			ev.Detail = violation.Detail
			switch violation.Reason {
			case schema.ReasonUnattributable:
				unattributed = true
			case schema.ReasonSchemaMismatch:
				mismatched = true
			}
			continue
		}

		ev.Attempts = append(ev.Attempts, s.Name()+": ok")
		return Result{
			Repaired: true,
			Event:    conformed,
			Strategy: s.Name(),
			Evidence: ev,
			Checksum: checksum,
		}
	}

	reason := f.Reason
	switch {
	case unattributed:
		reason = ReasonUnattributable
	case mismatched:
		reason = ReasonSchemaMismatch
	case reason == "":
		reason = ReasonUnrecognizable
	}
	return Result{Reason: reason, Evidence: ev, Checksum: checksum}
}

// RepairAll repairs independent failures on up to workers goroutines and
// returns the results in input order.
func (e *Engine) RepairAll(ctx context.Context, failures []parser.Failure, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]Result, len(failures))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range failures {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.Repair(failures[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Checksum returns the hex BLAKE3-256 digest of text.
func Checksum(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
