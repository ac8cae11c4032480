package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aixgo-dev/conductor/internal/agent"
	"github.com/aixgo-dev/conductor/pkg/fault"
)

// Plan is the planner's answer for one request: the agents to run, in order.
type Plan struct {
	ID            string   `json:"plan_id"`
	Agents        []string `json:"agents"`
	Justification string   `json:"justification"`
}

// ParsePlan reads the planner's reply. The reply may wrap the JSON object in prose or a
// markdown code fence.
func ParsePlan(text string) (*Plan, error) {
	const op = "orchestration.ParsePlan"

	raw := extractJSON(text)
	if raw == "" {
		return nil, fault.New(fault.PlanParse, op, "no JSON object in planner reply")
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fault.Wrap(fault.PlanParse, op, fmt.Errorf("decode plan: %w", err))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Justification = strings.TrimSpace(p.Justification)
	return &p, nil
}

// dropPlanner removes planner entries; the planner has already run for this request.
func (p *Plan) dropPlanner() {
	agents := p.Agents[:0]
	for _, name := range p.Agents {
		if name != string(agent.Planner) {
			agents = append(agents, name)
		}
	}
	p.Agents = agents
}

// RequestsFallback reports whether the planner routed the request to the fallback agent.
func (p *Plan) RequestsFallback() bool {
	for _, name := range p.Agents {
		if name == string(agent.Fallback) {
			return true
		}
	}
	return false
}

// extractJSON returns the first balanced JSON object in text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

type outcomeKind int

const (
	outcomeProceed outcomeKind = iota
	outcomeFallback
	outcomeFatal
)

// stepOutcome is the result of a state that can either continue, divert to the fallback
// agent, or end the request with an error.
type stepOutcome struct {
	kind   outcomeKind
	plan   *Plan
	reason string
	err    error
}

func proceed(p *Plan) stepOutcome { return stepOutcome{kind: outcomeProceed, plan: p} }

func fallback(reason string) stepOutcome { return stepOutcome{kind: outcomeFallback, reason: reason} }

// fatal classifies err under kind unless it already carries a classification.
func fatal(kind fault.Kind, op string, err error) stepOutcome {
	if fault.KindOf(err) == fault.Unknown {
		err = fault.Wrap(kind, op, err)
	}
	return stepOutcome{kind: outcomeFatal, err: err}
}
