// Package pattern implements the Analysis Pattern Registry (§4.6): a
// fixed set of named, multi-stage pipelines, each a Generator → Analyzer →
// (Analyzer*) → Synthesizer state machine differing only in stage prompt
// templates.
package pattern

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/relayforge/polyllm/types"
)

// DefaultPatternName is used when an OrchestrationRequest omits
// pattern_name.
const DefaultPatternName = "gut"

const (
	defaultStageTimeout = 60 * time.Second
)

// TemplateData is the typed mapping every stage template is rendered
// against. Template evaluation is pure string substitution — it never
// touches a shell or a store — satisfying the orchestrator's templating
// invariant.
type TemplateData struct {
	Prompt       string
	StageOutputs map[string]string // stage name -> synthesized/lead text for that stage
}

// Registry holds the built-in named patterns.
type Registry struct {
	patterns map[string]types.AnalysisPattern
}

// New builds a Registry pre-populated with the ten built-in patterns.
func New() *Registry {
	r := &Registry{patterns: make(map[string]types.AnalysisPattern)}
	for _, p := range builtins() {
		r.patterns[p.Name] = p
	}
	return r
}

// Get looks up a pattern by name.
func (r *Registry) Get(name string) (types.AnalysisPattern, bool) {
	p, ok := r.patterns[name]
	return p, ok
}

// Names returns every registered pattern name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		out = append(out, name)
	}
	return out
}

// Render evaluates a stage's prompt template against data.
func Render(tmplText string, data TemplateData) (string, error) {
	// Stage outputs are looked up strictly: referencing a stage with no
	// recorded output is an evaluation error, not an empty string.
	funcs := template.FuncMap{"index": func(m map[string]string, key string) (string, error) {
		v, ok := m[key]
		if !ok {
			return "", fmt.Errorf("no output recorded for stage %q", key)
		}
		return v, nil
	}}
	t, err := template.New("stage").Funcs(funcs).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("pattern: invalid template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("pattern: template evaluation failed: %w", err)
	}
	return buf.String(), nil
}

// fourStage builds the canonical initial/meta/hyper/ultra shape described
// in §4.6, varying only the meta/hyper/ultra wording per pattern. initial
// always renders the user prompt verbatim.
func fourStage(name, metaVerb, hyperVerb, ultraVerb string) types.AnalysisPattern {
	return types.AnalysisPattern{
		Name: name,
		Stages: []types.Stage{
			{
				Name:           "initial",
				Fanout:         types.Fanout{Kind: types.FanoutAll},
				PromptTemplate: "{{.Prompt}}",
				Role:           types.RoleGenerator,
				MinSuccesses:   1,
				Timeout:        defaultStageTimeout,
			},
			{
				Name:   "meta",
				Fanout: types.Fanout{Kind: types.FanoutAll},
				PromptTemplate: fmt.Sprintf(
					"Here are responses from peer models to the user prompt %q. %s:\n\n{{index .StageOutputs \"initial\"}}",
					"{{.Prompt}}", metaVerb),
				Role:         types.RoleAnalyzer,
				MinSuccesses: 1,
				Timeout:      defaultStageTimeout,
			},
			{
				Name:   "hyper",
				Fanout: types.Fanout{Kind: types.FanoutSubset, N: 3},
				PromptTemplate: fmt.Sprintf(
					"%s:\n\n{{index .StageOutputs \"meta\"}}", hyperVerb),
				Role:         types.RoleAnalyzer,
				MinSuccesses: 1,
				Timeout:      defaultStageTimeout,
			},
			{
				Name:   "ultra",
				Fanout: types.Fanout{Kind: types.FanoutSingle},
				PromptTemplate: fmt.Sprintf(
					"%s:\n\n{{index .StageOutputs \"hyper\"}}", ultraVerb),
				Role:         types.RoleSynthesizer,
				MinSuccesses: 1,
				Timeout:      defaultStageTimeout,
			},
		},
	}
}

func builtins() []types.AnalysisPattern {
	return []types.AnalysisPattern{
		fourStage("gut",
			"Critique them and produce an improved answer",
			"Synthesize across these critiques",
			"Produce the final, definitive answer incorporating all prior analysis"),
		fourStage("confidence",
			"Critique them and state your confidence in each claim",
			"Reconcile confidence-weighted claims into one account",
			"Produce the final answer, flagging any remaining low-confidence claims"),
		fourStage("critique",
			"Identify factual and logical weaknesses in each response",
			"Synthesize the strongest surviving arguments",
			"Produce the final answer with the identified weaknesses corrected"),
		fourStage("fact_check",
			"Check each claim against what you know and flag unsupported claims",
			"Reconcile the fact-checked claims into one account",
			"Produce a final answer containing only well-supported claims"),
		fourStage("perspective",
			"Identify the distinct perspectives represented across these responses",
			"Synthesize the perspectives into a balanced account",
			"Produce the final answer presenting the balanced synthesis"),
		fourStage("scenario",
			"Extrapolate the scenarios implied by each response",
			"Synthesize the most plausible scenarios",
			"Produce the final answer grounded in the most plausible scenario"),
		fourStage("stakeholder",
			"Identify which stakeholders each response favors or overlooks",
			"Synthesize a stakeholder-balanced account",
			"Produce the final answer balanced across stakeholders"),
		fourStage("systems",
			"Map the systemic feedback loops implied by each response",
			"Synthesize a systems-level account",
			"Produce the final answer framed in systems terms"),
		fourStage("time",
			"Assess the short- and long-term implications of each response",
			"Synthesize a time-horizon-aware account",
			"Produce the final answer covering both short- and long-term implications"),
		fourStage("innovation",
			"Identify the most novel idea in each response",
			"Synthesize the most promising novel ideas",
			"Produce the final answer built around the most promising idea"),
	}
}
