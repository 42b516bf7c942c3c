package seeder

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// Outcome is the planned final disposition of a seeded pull request.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeAbandon  Outcome = "abandon"
	OutcomeOpen     Outcome = "open"
	OutcomeDraft    Outcome = "draft"
)

// SharedFile is edited by a share of the planned branches so that completing
// them in order produces real merge conflicts.
const SharedFile = "seed/SHARED.md"

const maxFollowUps = 2

// OutcomeWeights are relative weights for picking an outcome.
type OutcomeWeights struct {
	Complete int `yaml:"complete"`
	Abandon  int `yaml:"abandon"`
	Open     int `yaml:"open"`
	Draft    int `yaml:"draft"`
}

// DefaultOutcomeWeights favors completion.
func DefaultOutcomeWeights() OutcomeWeights {
	return OutcomeWeights{Complete: 6, Abandon: 1, Open: 2, Draft: 1}
}

func (w OutcomeWeights) total() int {
	return max(w.Complete, 0) + max(w.Abandon, 0) + max(w.Open, 0) + max(w.Draft, 0)
}

// PlanOptions control plan generation.
type PlanOptions struct {
	PRCount      int
	Weights      OutcomeWeights
	ConflictRate float64 // share of branches that also edit SharedFile
}

// FollowUp is an extra commit pushed after the pull request exists.
type FollowUp struct {
	Files   map[string]string
	Message string
}

// PRPlan describes one pull request to seed.
type PRPlan struct {
	Index         int
	Branch        string
	Title         string
	Description   string
	Files         map[string]string
	CommitMessage string
	Outcome       Outcome
	FollowUps     []FollowUp
}

// RepoPlan is the plan for one repository.
type RepoPlan struct {
	RunID      string
	Repository string
	PRs        []PRPlan
}

// Branches returns the branch names the plan will create.
func (p RepoPlan) Branches() []string {
	out := make([]string, len(p.PRs))
	for i, pr := range p.PRs {
		out[i] = pr.Branch
	}
	return out
}

// NewRunID returns a short random run id suitable for branch names.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// BranchName returns the branch for the n-th pull request of a run.
func BranchName(runID string, n int) string {
	return fmt.Sprintf("feature/%s-%d", runID, n)
}

var (
	subjects = []string{"parser", "cache", "scheduler", "exporter", "client", "config loader", "index", "queue"}
	verbs    = []string{"Refactor", "Fix", "Tune", "Document", "Harden", "Simplify", "Extend", "Rename"}
	words    = []string{"alpha", "bravo", "delta", "echo", "foxtrot", "kilo", "lima", "sierra", "tango", "zulu"}
)

// GeneratePlan builds a deterministic plan: the same seed, run id and
// repository always produce the same plan.
func GeneratePlan(seed uint64, runID, repository string, opts PlanOptions) RepoPlan {
	rng := rand.New(rand.NewPCG(seed, hashString(repository)))
	weights := opts.Weights
	if weights.total() == 0 {
		weights = DefaultOutcomeWeights()
	}

	plan := RepoPlan{RunID: runID, Repository: repository}
	for n := 0; n < opts.PRCount; n++ {
		subject := subjects[rng.IntN(len(subjects))]
		verb := verbs[rng.IntN(len(verbs))]
		path := fmt.Sprintf("seed/%s/%d.md", runID, n)

		files := map[string]string{path: paragraph(rng, 3)}
		if opts.ConflictRate > 0 && rng.Float64() < opts.ConflictRate {
			files[SharedFile] = fmt.Sprintf("# Shared\n\nlast touched by %s\n%s", BranchName(runID, n), paragraph(rng, 1))
		}

		pr := PRPlan{
			Index:         n,
			Branch:        BranchName(runID, n),
			Title:         fmt.Sprintf("%s %s (%s #%d)", verb, subject, runID, n),
			Description:   fmt.Sprintf("Synthetic change %d of run %s.\n\n%s", n, runID, paragraph(rng, 1)),
			Files:         files,
			CommitMessage: fmt.Sprintf("%s %s", verb, subject),
			Outcome:       pickOutcome(rng, weights),
		}

		content := files[path]
		followUps := rng.IntN(maxFollowUps + 1)
		for i := 1; i <= followUps; i++ {
			content += "\n" + paragraph(rng, 1)
			pr.FollowUps = append(pr.FollowUps, FollowUp{
				Files:   map[string]string{path: content},
				Message: fmt.Sprintf("Address review feedback (%d)", i),
			})
		}
		plan.PRs = append(plan.PRs, pr)
	}
	return plan
}

func pickOutcome(rng *rand.Rand, w OutcomeWeights) Outcome {
	n := rng.IntN(w.total())
	for _, c := range []struct {
		weight  int
		outcome Outcome
	}{
		{w.Complete, OutcomeComplete},
		{w.Abandon, OutcomeAbandon},
		{w.Open, OutcomeOpen},
		{w.Draft, OutcomeDraft},
	} {
		if c.weight <= 0 {
			continue
		}
		if n < c.weight {
			return c.outcome
		}
		n -= c.weight
	}
	return OutcomeOpen
}

func paragraph(rng *rand.Rand, lines int) string {
	var b strings.Builder
	for i := 0; i < lines; i++ {
		count := 4 + rng.IntN(6)
		parts := make([]string, count)
		for j := range parts {
			parts[j] = words[rng.IntN(len(words))]
		}
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("\n")
	}
	return b.String()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
