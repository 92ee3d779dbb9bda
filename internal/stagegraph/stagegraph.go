// Package stagegraph is the declarative table of pipeline lifecycles: which
// stages each record kind has, which moves between them are legal, and which
// stages are terminal. It performs no I/O.
package stagegraph

import (
	"fmt"
	"strings"
)

// Kind is a pipeline record kind.
type Kind string

const (
	KindDeal     Kind = "DEAL"
	KindQuote    Kind = "QUOTE"
	KindInvoice  Kind = "INVOICE"
	KindShipment Kind = "SHIPMENT"
	KindContract Kind = "CONTRACT"
)

// Stage is one label from a kind's lifecycle.
type Stage string

const (
	StageLead        Stage = "LEAD"
	StageContacted   Stage = "CONTACTED"
	StageProposal    Stage = "PROPOSAL"
	StageNegotiation Stage = "NEGOTIATION"
	StageWon         Stage = "WON"
	StageLost        Stage = "LOST"

	StageDraft    Stage = "DRAFT"
	StageSent     Stage = "SENT"
	StageAccepted Stage = "ACCEPTED"
	StageDeclined Stage = "DECLINED"

	StagePaid      Stage = "PAID"
	StageOverdue   Stage = "OVERDUE"
	StageCancelled Stage = "CANCELLED"

	StagePending   Stage = "PENDING"
	StagePacked    Stage = "PACKED"
	StageShipped   Stage = "SHIPPED"
	StageDelivered Stage = "DELIVERED"

	StageSigned     Stage = "SIGNED"
	StageActive     Stage = "ACTIVE"
	StageExpired    Stage = "EXPIRED"
	StageTerminated Stage = "TERMINATED"
)

type lifecycle struct {
	// stages in declaration order; the first is the initial stage.
	stages   []Stage
	edges    map[Stage][]Stage
	terminal map[Stage]bool
}

var graphs = map[Kind]lifecycle{
	KindDeal: {
		stages: []Stage{StageLead, StageContacted, StageProposal, StageNegotiation, StageWon, StageLost},
		edges: map[Stage][]Stage{
			StageLead:        {StageContacted, StageLost},
			StageContacted:   {StageProposal, StageLost},
			StageProposal:    {StageNegotiation, StageLost},
			StageNegotiation: {StageWon, StageLost},
		},
		terminal: map[Stage]bool{StageWon: true, StageLost: true},
	},
	KindQuote: {
		stages: []Stage{StageDraft, StageSent, StageAccepted, StageDeclined},
		edges: map[Stage][]Stage{
			StageDraft: {StageSent},
			StageSent:  {StageAccepted, StageDeclined},
		},
		terminal: map[Stage]bool{StageAccepted: true, StageDeclined: true},
	},
	KindInvoice: {
		stages: []Stage{StageDraft, StageSent, StagePaid, StageOverdue, StageCancelled},
		edges: map[Stage][]Stage{
			StageDraft:   {StageSent, StageCancelled},
			StageSent:    {StagePaid, StageOverdue, StageCancelled},
			StageOverdue: {StagePaid, StageCancelled},
		},
		terminal: map[Stage]bool{StagePaid: true, StageCancelled: true},
	},
	KindShipment: {
		stages: []Stage{StagePending, StagePacked, StageShipped, StageDelivered, StageCancelled},
		edges: map[Stage][]Stage{
			StagePending: {StagePacked, StageCancelled},
			StagePacked:  {StageShipped, StageCancelled},
			StageShipped: {StageDelivered},
		},
		terminal: map[Stage]bool{StageDelivered: true, StageCancelled: true},
	},
	KindContract: {
		stages: []Stage{StageDraft, StageSent, StageSigned, StageDeclined, StageActive, StageExpired, StageTerminated},
		edges: map[Stage][]Stage{
			StageDraft:  {StageSent},
			StageSent:   {StageSigned, StageDeclined},
			StageSigned: {StageActive},
			StageActive: {StageExpired, StageTerminated},
		},
		terminal: map[Stage]bool{StageDeclined: true, StageExpired: true, StageTerminated: true},
	},
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindDeal, KindQuote, KindInvoice, KindShipment, KindContract}
}

// ParseKind accepts a kind in any case, singular or plural ("quotes").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "S"))
	if _, ok := graphs[k]; !ok {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// ParseStage normalizes s and checks it belongs to kind.
func ParseStage(kind Kind, s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !Valid(kind, st) {
		return "", fmt.Errorf("stage %q is not a %s stage", s, kind)
	}
	return st, nil
}

// Module is the permission module name for a kind ("quotes").
func (k Kind) Module() string {
	return strings.ToLower(string(k)) + "s"
}

func (k Kind) String() string { return string(k) }

func (s Stage) String() string { return string(s) }

// Stages returns the kind's stages in declaration order.
func Stages(kind Kind) []Stage {
	g, ok := graphs[kind]
	if !ok {
		return nil
	}
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// InitialStage is the stage new records of kind start in.
func InitialStage(kind Kind) Stage {
	g, ok := graphs[kind]
	if !ok {
		return ""
	}
	return g.stages[0]
}

// Valid reports whether stage belongs to kind.
func Valid(kind Kind, stage Stage) bool {
	g, ok := graphs[kind]
	if !ok {
		return false
	}
	for _, s := range g.stages {
		if s == stage {
			return true
		}
	}
	return false
}

// AllowedTargets lists the stages reachable in one move from current.
// Terminal and unknown stages have no targets.
func AllowedTargets(kind Kind, current Stage) []Stage {
	g, ok := graphs[kind]
	if !ok {
		return nil
	}
	targets := g.edges[current]
	out := make([]Stage, len(targets))
	copy(out, targets)
	return out
}

// IsTerminal reports whether stage freezes the record.
func IsTerminal(kind Kind, stage Stage) bool {
	g, ok := graphs[kind]
	if !ok {
		return false
	}
	return g.terminal[stage]
}

// CanTransition reports whether to is one legal move away from from.
func CanTransition(kind Kind, from, to Stage) bool {
	for _, s := range AllowedTargets(kind, from) {
		if s == to {
			return true
		}
	}
	return false
}

// StageNames converts stages to plain strings for error payloads.
func StageNames(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
