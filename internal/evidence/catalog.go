package evidence

import (
	"strings"

	"obraline/internal/domain"
)

// Catalog is the static set of evidence requirements per stage. It is built
// once from configuration and only read afterwards.
type Catalog struct {
	byStage map[domain.Stage][]domain.Requirement
}

// NewCatalog indexes requirements by stage, keeping their configured order.
func NewCatalog(reqs []domain.Requirement) (Catalog, error) {
	c := Catalog{byStage: map[domain.Stage][]domain.Requirement{}}
	seen := map[domain.Stage]map[string]bool{}
	for _, r := range reqs {
		if strings.TrimSpace(string(r.Stage)) == "" {
			return Catalog{}, domain.InvalidInput("requirement %q has no stage", r.ID)
		}
		if strings.TrimSpace(r.ID) == "" {
			return Catalog{}, domain.InvalidInput("stage %s has a requirement without id", r.Stage)
		}
		if strings.TrimSpace(r.Name) == "" {
			return Catalog{}, domain.InvalidInput("requirement %s/%s has no name", r.Stage, r.ID)
		}
		if seen[r.Stage] == nil {
			seen[r.Stage] = map[string]bool{}
		}
		if seen[r.Stage][r.ID] {
			return Catalog{}, domain.InvalidInput("duplicate requirement %s/%s", r.Stage, r.ID)
		}
		seen[r.Stage][r.ID] = true
		c.byStage[r.Stage] = append(c.byStage[r.Stage], r)
	}
	return c, nil
}

// Requirements returns a copy of the requirements configured for stage.
func (c Catalog) Requirements(stage domain.Stage) []domain.Requirement {
	reqs := c.byStage[stage]
	out := make([]domain.Requirement, len(reqs))
	copy(out, reqs)
	return out
}

// Requirement finds one requirement by stage and id.
func (c Catalog) Requirement(stage domain.Stage, id string) (domain.Requirement, bool) {
	for _, r := range c.byStage[stage] {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Requirement{}, false
}

// Stages lists the stages that have at least one requirement.
func (c Catalog) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(c.byStage))
	for s := range c.byStage {
		out = append(out, s)
	}
	return out
}
