// Package policy loads the approval gate table and notification audiences.
// Gates may carry a CEL condition evaluated against the record being moved.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Priority of approval requests a gate opens.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Gate is one approval-gated transition class.
type Gate struct {
	Kind          stagegraph.Kind    `yaml:"kind"`
	From          []stagegraph.Stage `yaml:"from"`
	To            stagegraph.Stage   `yaml:"to"`
	Condition     string             `yaml:"condition"`
	ApproverRoles []string           `yaml:"approver_roles"`
	Priority      Priority           `yaml:"priority"`

	program cel.Program
}

// Audience lists the roles notified for a kind, with per-stage overrides.
type Audience struct {
	Roles  []string                      `yaml:"roles"`
	Stages map[stagegraph.Stage][]string `yaml:"stages"`
}

// Facts are the record attributes a gate condition can see.
type Facts struct {
	Kind     stagegraph.Kind
	Stage    stagegraph.Stage
	Total    decimal.Decimal
	Currency string
}

// Policy is the parsed, validated gate table.
type Policy struct {
	Gates     []*Gate                      `yaml:"gates"`
	Audiences map[stagegraph.Kind]Audience `yaml:"audiences"`
}

// Default returns the built-in policy.
func Default() (*Policy, error) {
	return Parse(defaultPolicy)
}

// Load reads a policy file; an empty path yields the built-in policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, validates and compiles a policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	for i, g := range p.Gates {
		if err := g.normalize(); err != nil {
			return nil, fmt.Errorf("gate %d: %w", i, err)
		}
		if g.Condition == "" {
			continue
		}
		prg, err := compile(env, g.Condition)
		if err != nil {
			return nil, fmt.Errorf("gate %d (%s %s): %w", i, g.Kind, g.To, err)
		}
		g.program = prg
	}

	for kind := range p.Audiences {
		if _, err := stagegraph.ParseKind(string(kind)); err != nil {
			return nil, fmt.Errorf("audiences: %w", err)
		}
	}
	return &p, nil
}

func (g *Gate) normalize() error {
	kind, err := stagegraph.ParseKind(string(g.Kind))
	if err != nil {
		return err
	}
	g.Kind = kind

	to, err := stagegraph.ParseStage(kind, string(g.To))
	if err != nil {
		return err
	}
	g.To = to

	if len(g.From) == 0 {
		return fmt.Errorf("from stages are required")
	}
	for i, f := range g.From {
		from, err := stagegraph.ParseStage(kind, string(f))
		if err != nil {
			return err
		}
		if !stagegraph.CanTransition(kind, from, to) {
			return fmt.Errorf("%s %s -> %s is not a legal transition", kind, from, to)
		}
		g.From[i] = from
	}

	if len(g.ApproverRoles) == 0 {
		return fmt.Errorf("approver_roles are required")
	}

	switch Priority(strings.ToUpper(string(g.Priority))) {
	case "":
		g.Priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
		g.Priority = Priority(strings.ToUpper(string(g.Priority)))
	default:
		return fmt.Errorf("unknown priority %q", g.Priority)
	}
	return nil
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("total", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("stage", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return env, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	return prg, nil
}

func (g *Gate) matches(kind stagegraph.Kind, from, to stagegraph.Stage) bool {
	if g.Kind != kind || g.To != to {
		return false
	}
	for _, f := range g.From {
		if f == from {
			return true
		}
	}
	return false
}

// Applies evaluates the gate condition against the record. A gate without
// a condition always applies.
func (g *Gate) Applies(f Facts) (bool, error) {
	if g.program == nil {
		return true, nil
	}
	out, _, err := g.program.Eval(map[string]any{
		"total":    f.Total.InexactFloat64(),
		"currency": f.Currency,
		"kind":     string(f.Kind),
		"stage":    string(f.Stage),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", g.Condition, err)
	}
	applies, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T", g.Condition, out.Value())
	}
	return applies, nil
}

// Gate returns the first gate covering kind from -> to.
func (p *Policy) Gate(kind stagegraph.Kind, from, to stagegraph.Stage) (*Gate, bool) {
	for _, g := range p.Gates {
		if g.matches(kind, from, to) {
			return g, true
		}
	}
	return nil, false
}

// RequiresApproval reports whether the transition class is gated at all.
// Conditional gates still count; whether the condition holds for a given
// record is decided by Gate.Applies.
func (p *Policy) RequiresApproval(kind stagegraph.Kind, from, to stagegraph.Stage) bool {
	_, ok := p.Gate(kind, from, to)
	return ok
}

// AudienceFor returns the roles notified when a record of kind enters stage.
func (p *Policy) AudienceFor(kind stagegraph.Kind, stage stagegraph.Stage) []string {
	a, ok := p.Audiences[kind]
	if !ok {
		return nil
	}
	if roles, ok := a.Stages[stage]; ok {
		return roles
	}
	return a.Roles
}
