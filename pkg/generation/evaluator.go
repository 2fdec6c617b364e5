package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
)

const rubric = `Assess the draft against these criteria:
- argument and critical analysis
- use of evidence and correct in-text citation
- structure and coherence
- academic style and register
- adherence to the task and word count

Respond with JSON only:
{"score": 0-100, "feedback": "", "strengths": [""], "improvements": [""]}`

type evaluationReply struct {
	Score        float64  `json:"score"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// LLMEvaluator scores drafts with a chat model
type LLMEvaluator struct {
	name   string
	client domain.LLMClient
	now    func() time.Time
}

// NewLLMEvaluator creates an evaluator
func NewLLMEvaluator(name string, client domain.LLMClient) *LLMEvaluator {
	return &LLMEvaluator{name: name, client: client, now: time.Now}
}

// Name returns the evaluator name
func (e *LLMEvaluator) Name() string {
	return e.name
}

// Evaluate scores a draft. The returned score is normalized to [0,1].
func (e *LLMEvaluator) Evaluate(ctx context.Context, input domain.EvaluateInput) (*domain.Evaluation, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task given to the writer:\n%s\n\n", input.Prompt)
	fmt.Fprintf(&b, "Target: %d words, %s, %s citation style, field %s.\n",
		input.Parameters.WordCount, input.Parameters.DocumentType, input.Parameters.CitationStyle, input.Parameters.Field)
	fmt.Fprintf(&b, "The draft has %d words and %d in-text citations drawn from %d verified sources.\n\n",
		input.Draft.WordCount, input.Draft.CitationCount, len(input.Sources))
	fmt.Fprintf(&b, "Draft:\n%s\n\n%s", input.Draft.Content, rubric)

	resp, err := e.client.Chat(ctx, []domain.Message{
		{Role: llm.RoleSystem, Content: "You are a strict university examiner."},
		{Role: llm.RoleUser, Content: b.String()},
	}, domain.ChatOptions{Temperature: 0.1, MaxTokens: 1024})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, domain.NewError(domain.ErrProviderError, fmt.Sprintf("%s returned no evaluation JSON", e.name))
	}
	var reply evaluationReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, domain.WrapError(domain.ErrProviderError, fmt.Sprintf("%s returned malformed evaluation", e.name), err)
	}

	return &domain.Evaluation{
		Evaluator:    e.name,
		DraftVersion: input.Draft.Version,
		Score:        NormalizeScore(reply.Score),
		Feedback:     strings.TrimSpace(reply.Feedback),
		Strengths:    reply.Strengths,
		Improvements: reply.Improvements,
		CreatedAt:    e.now().UTC(),
	}, nil
}

// PanelResult holds the outcome of evaluating one draft with every evaluator
type PanelResult struct {
	Evaluations []domain.Evaluation
	Failures    map[string]error
}

// EvaluatePanel runs the evaluators concurrently. Evaluators that fail are
// left out of the aggregate; if all of them fail the error of the last one
// is returned classified as a provider failure.
func EvaluatePanel(ctx context.Context, evaluators []domain.Evaluator, input domain.EvaluateInput) (*PanelResult, error) {
	if len(evaluators) == 0 {
		return nil, domain.NewError(domain.ErrFatal, "no evaluators configured")
	}

	type outcome struct {
		eval *domain.Evaluation
		err  error
	}
	outcomes := make([]outcome, len(evaluators))

	var wg sync.WaitGroup
	for i, ev := range evaluators {
		wg.Add(1)
		go func(i int, ev domain.Evaluator) {
			defer wg.Done()
			e, err := ev.Evaluate(ctx, input)
			outcomes[i] = outcome{eval: e, err: err}
		}(i, ev)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &PanelResult{Failures: make(map[string]error)}
	var lastErr error
	for i, o := range outcomes {
		if o.err != nil || o.eval == nil {
			if o.err == nil {
				o.err = fmt.Errorf("no evaluation returned")
			}
			result.Failures[evaluators[i].Name()] = o.err
			lastErr = domain.ProviderFailure(evaluators[i].Name(), o.err)
			continue
		}
		ev := *o.eval
		ev.DraftVersion = input.Draft.Version
		ev.Score = NormalizeScore(ev.Score)
		result.Evaluations = append(result.Evaluations, ev)
	}

	if len(result.Evaluations) == 0 {
		return result, lastErr
	}
	return result, nil
}
