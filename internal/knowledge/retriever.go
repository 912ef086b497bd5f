package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/prompt"
)

// section is one similarity query against a single source.
type section struct {
	heading string
	source  Source
	k       int
}

// plan is the retrieval issued for a stage.
type plan struct {
	query    string
	sections []section
}

var (
	standards       = []section{{source: SourceStandard, k: 8}}
	riskStandards   = []section{{source: SourceStandard, k: 6}}
	vulnSections    = []section{{"Vulnerabilities (NVD)", SourceNVD, 10}, {"Weaknesses (CWE)", SourceCWE, 5}, {"Attack Patterns (CAPEC)", SourceCAPEC, 5}, {"ATT&CK Techniques", SourceATTCK, 5}, {"Automotive Threat Matrix", SourceATM, 5}}
	exploitSections = []section{{"NVD Exploitation Details", SourceNVD, 10}, {"ATT&CK Tactics and Techniques", SourceATTCK, 8}}
)

const riskQuery = "ISO 21434 risk determination, impact category definition, SFOP and RFOIP " +
	"interpretation, and UNECE R155 risk-based CSMS requirements for braking systems"

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithBudget caps the formatted passages of one run.
func WithBudget(b *prompt.Budget) RetrieverOption {
	return func(r *Retriever) {
		r.budget = b
	}
}

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Retriever selects knowledge passages for a stage run.
type Retriever struct {
	index  *Index
	budget *prompt.Budget
	logger *slog.Logger
}

// NewRetriever returns a Retriever over the index.
func NewRetriever(x *Index, opts ...RetrieverOption) *Retriever {
	r := &Retriever{index: x, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns the formatted passages for a run, or "" when nothing
// matched.
func (r *Retriever) Retrieve(ctx context.Context, id domain.StageID, pc *prompt.Context) (string, error) {
	p := planFor(id, pc)
	if len(p.sections) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, s := range p.sections {
		docs, err := r.index.Search(ctx, p.query, s.source, s.k)
		if err != nil {
			return "", fmt.Errorf("search %s: %w", s.source, err)
		}
		if len(docs) == 0 {
			continue
		}
		prefix := "#"
		if s.heading != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "# %s\n", s.heading)
			prefix = "##"
		}
		for _, d := range docs {
			fmt.Fprintf(&b, "%s %s\n%s\n", prefix, d.Title, d.Body)
		}
	}
	if b.Len() == 0 {
		return "", nil
	}

	out := b.String()
	if r.budget != nil {
		var truncated bool
		if out, truncated = r.budget.Truncate(out); truncated {
			r.logger.Debug("retrieved passages truncated",
				slog.Int("stage", int(id)),
				slog.Int("max_tokens", r.budget.Max()))
		}
	}
	return out, nil
}

func planFor(id domain.StageID, pc *prompt.Context) plan {
	switch id {
	case domain.StageAssets:
		return plan{
			query:    "ISO 21434 asset definitions and examples for ECUs, sensors and networks in brake-by-wire, ABS, ESC systems",
			sections: riskStandards,
		}
	case domain.StageDamage:
		return plan{
			query: fmt.Sprintf("Damage scenarios, impact and consequences for %s in ABS, ESC, "+
				"and brake-by-wire systems, ISO 21434, UNECE R155", assetKind(pc)),
			sections: standards,
		}
	case domain.StageImpact, domain.StageRisk:
		return plan{query: riskQuery, sections: riskStandards}
	case domain.StageThreat:
		return plan{
			query: fmt.Sprintf("STRIDE-based threat scenarios for %s in automotive brake-by-wire "+
				"and ABS/ESC architectures", assetKind(pc)),
			sections: standards,
		}
	case domain.StageAttackPath:
		return plan{
			query: fmt.Sprintf("Automotive vulnerabilities and attack patterns affecting %s using attack vectors %s",
				assetKind(pc), attackVectors(pc)),
			sections: vulnSections,
		}
	case domain.StageFeasibility:
		return plan{
			query:    "Attack complexity, requirements, and exploitation details for CVEs: " + cveRefs(pc),
			sections: exploitSections,
		}
	}
	return plan{}
}

// assetKind describes the run's asset from the stage 1 row among its
// inputs, falling back to the scope key.
func assetKind(pc *prompt.Context) string {
	for _, in := range pc.Inputs {
		for _, rec := range in.Rows {
			a, ok := rec.(*domain.Asset)
			if !ok || (pc.Scope != "" && a.AssetID != pc.Scope) {
				continue
			}
			for _, s := range []string{a.Type, a.Name, a.Description} {
				if s != "" {
					return s
				}
			}
		}
	}
	if pc.Scope != "" {
		return "asset " + pc.Scope
	}
	return "vehicle assets"
}

func attackVectors(pc *prompt.Context) string {
	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, in := range pc.Inputs {
		for _, rec := range in.Rows {
			switch r := rec.(type) {
			case *domain.ThreatScenario:
				for _, v := range r.AttackVectors {
					add(v)
				}
			case *domain.Asset:
				for _, v := range r.Interfaces {
					add(v)
				}
			}
		}
	}
	if len(out) == 0 {
		return "Network, Remote, Physical"
	}
	return strings.Join(out, ", ")
}

func cveRefs(pc *prompt.Context) string {
	var out []string
	for _, in := range pc.Inputs {
		for _, rec := range in.Rows {
			if ap, ok := rec.(*domain.AttackPath); ok {
				out = append(out, ap.CVERefs...)
			}
		}
	}
	if len(out) == 0 {
		return "N/A"
	}
	return strings.Join(out, ", ")
}
