// Package evidence tracks, per entity and stage, the approval state of every
// evidence requirement configured for that stage.
package evidence

import (
	"strings"
	"time"

	"obraline/internal/domain"
	"obraline/internal/indicator"
)

// Ledger holds the submissions of a single entity. It is not safe for
// concurrent use; callers own one ledger per entity.
type Ledger struct {
	EntityID string
	Now      func() time.Time

	catalog Catalog
	stages  map[domain.Stage]map[string]domain.Submission
}

// NewLedger returns an empty ledger for entityID.
func NewLedger(entityID string, catalog Catalog) *Ledger {
	return &Ledger{
		EntityID: entityID,
		Now:      time.Now,
		catalog:  catalog,
		stages:   map[domain.Stage]map[string]domain.Submission{},
	}
}

// Restore rebuilds a ledger from persisted submissions. Records whose
// requirement is no longer in the catalog are skipped.
func Restore(entityID string, catalog Catalog, subs []domain.Submission) (*Ledger, error) {
	l := NewLedger(entityID, catalog)
	for _, s := range subs {
		if _, ok := catalog.Requirement(s.Stage, s.RequirementID); !ok {
			continue
		}
		if err := checkInvariants(s); err != nil {
			return nil, err
		}
		s.EntityID = entityID
		l.put(s)
	}
	return l, nil
}

// Catalog returns the requirement catalog the ledger validates against.
func (l *Ledger) Catalog() Catalog {
	return l.catalog
}

// InitializeStage creates a pending submission for each requirement of stage
// that has none yet, and returns the submissions it created. Calling it again
// creates nothing.
func (l *Ledger) InitializeStage(stage domain.Stage) []domain.Submission {
	var created []domain.Submission
	for _, r := range l.catalog.Requirements(stage) {
		if _, ok := l.get(stage, r.ID); ok {
			continue
		}
		s := domain.Submission{
			EntityID:      l.EntityID,
			Stage:         stage,
			RequirementID: r.ID,
			Status:        domain.StatusPending,
			UpdatedAt:     l.timestamp(),
		}
		l.put(s)
		created = append(created, s)
	}
	return created
}

// AttachFile records an uploaded file for a pending or rejected submission
// and moves it to submitted, clearing any reviewer comment.
func (l *Ledger) AttachFile(stage domain.Stage, requirementID string, ref domain.FileRef) (domain.Submission, error) {
	if strings.TrimSpace(ref.Name) == "" {
		return domain.Submission{}, domain.InvalidInput("file name is required")
	}
	if ref.Size < 0 {
		return domain.Submission{}, domain.InvalidInput("file size %d is negative", ref.Size)
	}
	s, err := l.lookup(stage, requirementID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusPending && s.Status != domain.StatusRejected {
		return domain.Submission{}, domain.InvalidTransition("cannot attach a file to %s evidence %s/%s", s.Status, stage, requirementID)
	}
	if ref.UploadedAt == "" {
		ref.UploadedAt = l.timestamp()
	}
	s.Status = domain.StatusSubmitted
	s.File = &ref
	s.Comment = ""
	s.ReviewerID = ""
	s.UpdatedAt = l.timestamp()
	l.put(s)
	return s, nil
}

// Review applies a reviewer decision to a submitted submission. Rejections
// require a comment.
func (l *Ledger) Review(stage domain.Stage, requirementID string, decision domain.Status, comment, reviewerID string) (domain.Submission, error) {
	comment = strings.TrimSpace(comment)
	switch decision {
	case domain.StatusApproved:
	case domain.StatusRejected:
		if comment == "" {
			return domain.Submission{}, domain.InvalidInput("a rejection requires a comment")
		}
	default:
		return domain.Submission{}, domain.InvalidInput("decision must be approved or rejected, got %q", decision)
	}
	s, err := l.lookup(stage, requirementID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusSubmitted {
		return domain.Submission{}, domain.InvalidTransition("cannot review %s evidence %s/%s", s.Status, stage, requirementID)
	}
	s.Status = decision
	s.Comment = ""
	if decision == domain.StatusRejected {
		s.Comment = comment
	}
	s.ReviewerID = reviewerID
	s.UpdatedAt = l.timestamp()
	l.put(s)
	return s, nil
}

// RemoveFile withdraws a submitted or rejected file and resets the
// submission to pending.
func (l *Ledger) RemoveFile(stage domain.Stage, requirementID string) (domain.Submission, error) {
	s, err := l.lookup(stage, requirementID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusSubmitted && s.Status != domain.StatusRejected {
		return domain.Submission{}, domain.InvalidTransition("cannot remove the file of %s evidence %s/%s", s.Status, stage, requirementID)
	}
	s.Status = domain.StatusPending
	s.File = nil
	s.Comment = ""
	s.ReviewerID = ""
	s.UpdatedAt = l.timestamp()
	l.put(s)
	return s, nil
}

// Completeness counts mandatory requirements and how many of them are satisfied.
type Completeness struct {
	Total     int `json:"total"`
	Satisfied int `json:"satisfied"`
}

// Percent is Satisfied/Total as a percentage; 0 when nothing is mandatory.
func (c Completeness) Percent() float64 {
	pct, _ := indicator.Ratio(float64(c.Satisfied), float64(c.Total))
	return pct
}

// Complete reports whether every mandatory requirement is satisfied.
func (c Completeness) Complete() bool {
	return c.Satisfied >= c.Total
}

// ApprovedCompleteness counts mandatory requirements of stage whose evidence
// is approved. Stage advancement gates on this count.
func (l *Ledger) ApprovedCompleteness(stage domain.Stage) Completeness {
	return l.completeness(stage, func(s domain.Status) bool {
		return s == domain.StatusApproved
	})
}

// SubmittedCompleteness counts mandatory requirements of stage that have an
// uploaded file, whether or not it has been approved yet.
func (l *Ledger) SubmittedCompleteness(stage domain.Stage) Completeness {
	return l.completeness(stage, func(s domain.Status) bool {
		return s == domain.StatusSubmitted || s == domain.StatusApproved
	})
}

// Missing lists the mandatory requirements of stage that are not approved.
func (l *Ledger) Missing(stage domain.Stage) []domain.Requirement {
	var out []domain.Requirement
	for _, r := range l.catalog.Requirements(stage) {
		if !r.Mandatory {
			continue
		}
		if s, ok := l.get(stage, r.ID); ok && s.Status == domain.StatusApproved {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Submissions returns the records of stage in catalog order.
func (l *Ledger) Submissions(stage domain.Stage) []domain.Submission {
	var out []domain.Submission
	for _, r := range l.catalog.Requirements(stage) {
		if s, ok := l.get(stage, r.ID); ok {
			out = append(out, s)
		}
	}
	return out
}

// Submission returns one record.
func (l *Ledger) Submission(stage domain.Stage, requirementID string) (domain.Submission, bool) {
	return l.get(stage, requirementID)
}

// Snapshot returns every record the ledger holds, grouped by the given stage order.
func (l *Ledger) Snapshot(order []domain.Stage) []domain.Submission {
	var out []domain.Submission
	for _, stage := range order {
		out = append(out, l.Submissions(stage)...)
	}
	return out
}

func (l *Ledger) completeness(stage domain.Stage, satisfied func(domain.Status) bool) Completeness {
	var c Completeness
	for _, r := range l.catalog.Requirements(stage) {
		if !r.Mandatory {
			continue
		}
		c.Total++
		if s, ok := l.get(stage, r.ID); ok && satisfied(s.Status) {
			c.Satisfied++
		}
	}
	return c
}

func (l *Ledger) lookup(stage domain.Stage, requirementID string) (domain.Submission, error) {
	if _, ok := l.catalog.Requirement(stage, requirementID); !ok {
		return domain.Submission{}, domain.InvalidInput("stage %s has no requirement %q", stage, requirementID)
	}
	s, ok := l.get(stage, requirementID)
	if !ok {
		return domain.Submission{}, domain.InvalidTransition("stage %s is not initialized for entity %s", stage, l.EntityID)
	}
	return s, nil
}

func (l *Ledger) get(stage domain.Stage, requirementID string) (domain.Submission, bool) {
	s, ok := l.stages[stage][requirementID]
	return s, ok
}

func (l *Ledger) put(s domain.Submission) {
	if l.stages[s.Stage] == nil {
		l.stages[s.Stage] = map[string]domain.Submission{}
	}
	l.stages[s.Stage][s.RequirementID] = s
}

func (l *Ledger) timestamp() string {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func checkInvariants(s domain.Submission) error {
	if !s.Status.Valid() {
		return domain.InvalidInput("submission %s/%s has unknown status %q", s.Stage, s.RequirementID, s.Status)
	}
	if s.Status == domain.StatusPending && s.File != nil {
		return domain.InvalidInput("pending submission %s/%s carries a file", s.Stage, s.RequirementID)
	}
	if s.Status == domain.StatusRejected && strings.TrimSpace(s.Comment) == "" {
		return domain.InvalidInput("rejected submission %s/%s has no comment", s.Stage, s.RequirementID)
	}
	return nil
}
