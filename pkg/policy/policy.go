// Package policy evaluates operator-defined requirement expressions over
// an agent's trust context. Expressions are CEL; they supplement the
// ledger's built-in requirement checks with deployment-specific gates
// such as `trust.final_score >= 60 && agent.endorsements >= 2`.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

// maxCachedPrograms caps the compiled-program cache. Expressions come
// from callers, so an unbounded cache would grow with every distinct
// string; at the cap the cache is dropped wholesale and rebuilt.
const maxCachedPrograms = 256

// Engine compiles and caches requirement expressions.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine creates an engine exposing the trust breakdown and agent
// aggregates to expressions.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
		cel.Variable("trust", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: environment: %w", err)
	}
	return &Engine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs a requirement expression against an agent's ledger state.
// A compile or type error fails closed with the error; a false result is
// a plain denial.
func (e *Engine) Evaluate(expr string, node *trust.TrustNode, breakdown *trust.Breakdown) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"timestamp": time.Now().Unix(),
		"agent": map[string]any{
			"id":           node.AgentID,
			"endorsements": len(node.Endorsements),
			"violations":   len(node.Violations),
			"activities":   len(node.ActivityHistory),
			"connections":  len(node.NetworkConnections),
			"joined_unix":  node.JoinedAt.Unix(),
		},
		"trust": map[string]any{
			"base_score":        breakdown.BaseScore,
			"activity_bonus":    breakdown.ActivityBonus,
			"endorsement_bonus": breakdown.EndorsementBonus,
			"violation_penalty": breakdown.ViolationPenalty,
			"decay_penalty":     breakdown.DecayPenalty,
			"final_score":       breakdown.FinalScore,
			"level":             string(breakdown.Level),
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: evaluation: %w", err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression %q is not boolean", expr)
	}
	return verdict, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// cachedPrograms reports the cache size, for tests.
func (e *Engine) cachedPrograms() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
