// Package engine turns an ordered checkpoint sequence into a single causal
// explanation. Rules are evaluated in priority order and the first whose
// precondition holds produces the result.
package engine

import (
	"sort"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

// Input is everything a rule may look at.
type Input struct {
	Events      []models.CheckpointEvent
	Attributes  models.Attributes
	Expectation string
}

// Rule is one entry of the decision list.
type Rule struct {
	ID      string
	Applies func(f *Facts) bool
	Build   func(f *Facts) models.ExplanationResult
}

type Engine struct {
	rules []Rule
}

// New builds an engine over rules in priority order.
func New(rules ...Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Default returns an engine with the built-in rule cascade.
func Default() *Engine {
	return New(DefaultRules()...)
}

// Rules returns the rule ids in evaluation order.
func (e *Engine) Rules() []string {
	ids := make([]string, len(e.rules))
	for i, r := range e.rules {
		ids[i] = r.ID
	}
	return ids
}

// Explain evaluates the cascade. Exactly one rule fires; when none of the
// configured rules match, the UNCLEAR fallback is used.
func (e *Engine) Explain(in Input) models.ExplanationResult {
	facts := NewFacts(in)
	rule := unclearRule
	for _, r := range e.rules {
		if r.Applies(facts) {
			rule = r
			break
		}
	}
	result := rule.Build(facts)
	result.Debug.RulesHit = []string{rule.ID}
	if result.Debug.MissingData == nil {
		result.Debug.MissingData = []string{}
	}
	if result.Evidence == nil {
		result.Evidence = []string{}
	}
	if result.Fix == nil {
		result.Fix = []string{}
	}
	result.Debug.Expectation = in.Expectation
	return result
}

// Facts is the pre-digested view of a checkpoint sequence shared by all rules.
type Facts struct {
	// Events in chronological order.
	Events     []models.CheckpointEvent
	Attributes models.Attributes

	Start    *models.CheckpointEvent
	Branches []models.CheckpointEvent
	Actions  []models.CheckpointEvent

	// FailedBranch is the chronologically first branch with a failing condition.
	FailedBranch    *models.CheckpointEvent
	FailedCondition models.Condition

	// LastAction is the most recent action; LastActionPayload is its payload
	// when it decodes to an object.
	LastAction        *models.CheckpointEvent
	LastActionPayload map[string]any
}

// NewFacts sorts events chronologically and extracts what the rules need.
func NewFacts(in Input) *Facts {
	events := append([]models.CheckpointEvent(nil), in.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})

	f := &Facts{Events: events, Attributes: in.Attributes}
	for i := range events {
		ev := &events[i]
		switch ev.Checkpoint {
		case models.KindStart:
			if f.Start == nil {
				f.Start = ev
			}
		case models.KindBranch:
			f.Branches = append(f.Branches, *ev)
			if f.FailedBranch == nil {
				if cond, ok := models.FirstFailedCondition(ev.Conditions); ok {
					f.FailedBranch = ev
					f.FailedCondition = cond
				}
			}
		case models.KindAction:
			f.Actions = append(f.Actions, *ev)
			f.LastAction = ev
		}
	}
	if f.LastAction != nil && len(f.LastAction.Payload) > 0 {
		if payload, err := models.ParsePayload(f.LastAction.Payload); err == nil {
			f.LastActionPayload = payload
		}
	}
	return f
}

func (f *Facts) First() *models.CheckpointEvent {
	if len(f.Events) == 0 {
		return nil
	}
	return &f.Events[0]
}

func (f *Facts) Last() *models.CheckpointEvent {
	if len(f.Events) == 0 {
		return nil
	}
	return &f.Events[len(f.Events)-1]
}

// Attribute returns an enrichment value when present.
func (f *Facts) Attribute(name string) (any, bool) {
	if f.Attributes == nil {
		return nil, false
	}
	v, ok := f.Attributes[name]
	return v, ok
}
