package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/intake"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// UserIntentNode validates the request, resolves the caller and loads any
// uploaded reference documents
type UserIntentNode struct {
	basePolicy
	auth  domain.Authenticator
	files domain.FileStorage
}

// NewUserIntentNode creates the intake node. auth and files may be nil.
func NewUserIntentNode(auth domain.Authenticator, files domain.FileStorage, policy NodePolicy) *UserIntentNode {
	return &UserIntentNode{basePolicy: basePolicy{policy}, auth: auth, files: files}
}

// Name returns the node name
func (n *UserIntentNode) Name() string { return NodeUserIntent }

// Execute runs the node
func (n *UserIntentNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	if strings.TrimSpace(snap.Prompt) == "" {
		return Fail(domain.ErrInvalidInput, "prompt is required")
	}
	params := snap.Parameters.Normalize()
	if err := params.Validate(); err != nil {
		return FailErr(err)
	}
	delta := &state.Delta{Parameters: &params}

	// a resumed run keeps the user resolved before the restart
	if n.auth != nil && (snap.UserID == "" || snap.AuthToken != "") {
		userID, err := n.auth.Validate(ctx, snap.AuthToken)
		if err != nil {
			return FailErr(providerError("auth", err))
		}
		delta.UserID = userID
	}
	r.Progress(40, "request validated")

	if len(snap.UploadedFileURLs) > 0 {
		if n.files == nil {
			return Fail(domain.ErrInvalidInput, "file uploads are not enabled")
		}
		docs, err := intake.LoadContext(ctx, n.files, snap.UploadedFileURLs)
		if err != nil {
			return FailErr(providerError("file storage", err))
		}
		delta.ContextDocs = docs
		r.Progress(90, fmt.Sprintf("loaded %d reference documents", len(docs)))
	}

	return Continue(delta)
}

// providerError keeps workflow errors and context errors as they are and
// classifies everything else as a failure of the named provider
func providerError(provider string, err error) error {
	if domain.KindOf(err) != domain.ErrFatal {
		return err
	}
	return domain.ProviderFailure(provider, err)
}

const plannerSystemPrompt = `You are an academic writing planner. Produce an outline and a research agenda for the requested document.
Respond with JSON only:
{"outline": [{"heading": "...", "word_target": 250, "key_points": ["..."], "research_for": ["..."]}],
 "agenda": ["search query", "..."]}
Word targets must add up to the requested word count. The agenda lists at most 6 focused academic search queries.`

type planReply struct {
	Outline []domain.Section `json:"outline"`
	Agenda  []string         `json:"agenda"`
}

// PlannerNode produces the outline and research agenda. Without a client,
// or when the model reply is unusable, a deterministic outline is used.
type PlannerNode struct {
	basePolicy
	client domain.LLMClient
	logger *observability.StructuredLogger
}

// NewPlannerNode creates the planner. client may be nil.
func NewPlannerNode(client domain.LLMClient, policy NodePolicy) *PlannerNode {
	return &PlannerNode{
		basePolicy: basePolicy{policy},
		client:     client,
		logger:     observability.NewStructuredLogger("planner"),
	}
}

// Name returns the node name
func (n *PlannerNode) Name() string { return NodePlanner }

// Execute runs the node
func (n *PlannerNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	var plan *planReply
	if n.client != nil {
		var err error
		plan, err = n.plan(ctx, snap)
		if err != nil {
			if ctx.Err() != nil {
				return FailErr(ctx.Err())
			}
			n.logger.Warn(ctx, "Planner reply unusable, using default outline", map[string]interface{}{
				"request_id": snap.RequestID,
				"error":      err.Error(),
			})
		}
	}
	if plan == nil {
		plan = &planReply{Outline: DefaultOutline(snap.Parameters)}
	}

	outline := BalanceOutline(plan.Outline, snap.Parameters.WordCount)
	agenda := plan.Agenda
	if len(agenda) == 0 {
		agenda = DefaultAgenda(snap.Prompt, outline)
	}
	if len(agenda) > 6 {
		agenda = agenda[:6]
	}
	r.Progress(100, fmt.Sprintf("planned %d sections", len(outline)))

	return Continue(&state.Delta{Outline: outline, Agenda: agenda})
}

func (n *PlannerNode) plan(ctx context.Context, snap state.Snapshot) (*planReply, error) {
	p := snap.Parameters
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt: %s\n", snap.Prompt)
	fmt.Fprintf(&b, "Document type: %s\nField: %s\nWord count: %d\nRegion: %s\nCitation style: %s\n",
		p.DocumentType, p.Field, p.WordCount, p.Region, p.CitationStyle)
	for _, doc := range snap.ContextDocs {
		fmt.Fprintf(&b, "\nUploaded reference (%s):\n%s\n", doc.URL, domain.Truncate(doc.Text, 1000))
	}

	resp, err := n.client.Chat(ctx, []domain.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, domain.ChatOptions{Temperature: 0.3, MaxTokens: 2048})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("planner reply contains no JSON")
	}
	var reply planReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse planner reply: %w", err)
	}
	if len(reply.Outline) == 0 {
		return nil, fmt.Errorf("planner reply has no outline")
	}
	for _, s := range reply.Outline {
		if strings.TrimSpace(s.Heading) == "" {
			return nil, fmt.Errorf("planner reply has a section without heading")
		}
	}
	return &reply, nil
}

var bodyHeadings = map[domain.DocumentType][]string{
	domain.DocumentEssay:        {"Background", "Analysis", "Discussion", "Evaluation"},
	domain.DocumentReport:       {"Background", "Findings", "Analysis", "Recommendations"},
	domain.DocumentDissertation: {"Literature Review", "Methodology", "Findings", "Discussion"},
	domain.DocumentCaseStudy:    {"Case Overview", "Analysis", "Application to Practice", "Recommendations"},
	domain.DocumentLitReview:    {"Search Strategy", "Themes in the Literature", "Critical Appraisal", "Gaps in Knowledge"},
	domain.DocumentReflection:   {"Description", "Feelings and Evaluation", "Analysis", "Action Plan"},
}

// DefaultOutline builds an introduction, two to four body sections by
// length, and a conclusion
func DefaultOutline(p domain.Parameters) []domain.Section {
	headings, ok := bodyHeadings[p.DocumentType]
	if !ok {
		headings = bodyHeadings[domain.DocumentEssay]
	}
	body := 2
	switch {
	case p.WordCount >= 3000:
		body = 4
	case p.WordCount >= 1500:
		body = 3
	}

	outline := []domain.Section{{Heading: "Introduction", WordTarget: 10}}
	for _, h := range headings[:body] {
		outline = append(outline, domain.Section{Heading: h, WordTarget: 80 / body})
	}
	outline = append(outline, domain.Section{Heading: "Conclusion", WordTarget: 10})
	return BalanceOutline(outline, p.WordCount)
}

// BalanceOutline scales section word targets so they add up to total. The
// rounding remainder goes to the largest section.
func BalanceOutline(outline []domain.Section, total int) []domain.Section {
	if len(outline) == 0 || total <= 0 {
		return outline
	}
	out := make([]domain.Section, len(outline))
	copy(out, outline)

	sum := 0
	for _, s := range out {
		if s.WordTarget > 0 {
			sum += s.WordTarget
		}
	}

	assigned, largest := 0, 0
	for i := range out {
		if sum == 0 {
			out[i].WordTarget = total / len(out)
		} else {
			w := out[i].WordTarget
			if w < 0 {
				w = 0
			}
			out[i].WordTarget = w * total / sum
		}
		assigned += out[i].WordTarget
		if out[i].WordTarget > out[largest].WordTarget {
			largest = i
		}
	}
	out[largest].WordTarget += total - assigned
	return out
}

// DefaultAgenda derives search queries from the prompt and the outline
func DefaultAgenda(prompt string, outline []domain.Section) []string {
	seen := make(map[string]bool)
	var agenda []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			return
		}
		seen[key] = true
		agenda = append(agenda, q)
	}

	add(prompt)
	for _, s := range outline {
		for _, q := range s.ResearchFor {
			add(q)
		}
	}
	for _, s := range outline {
		if s.Heading == "Introduction" || s.Heading == "Conclusion" {
			continue
		}
		add(fmt.Sprintf("%s: %s", s.Heading, prompt))
	}
	return agenda
}
