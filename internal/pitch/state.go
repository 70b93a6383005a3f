// Package pitch holds one rep's qualification session: the form, the scored
// result, the three-question readiness checklist and the save lifecycle.
//
// The reducers in this file are pure. Controller serialises them per session
// and performs the store calls.
package pitch

import (
	"errors"
	"fmt"
	"strings"

	"cqm/api/internal/catalog"
	"cqm/api/internal/records"
	"cqm/api/internal/scoring"
)

var (
	ErrMissingFields   = errors.New("company signal, gatekeeper and company name are required")
	ErrUnknownField    = errors.New("unknown form field")
	ErrNoResult        = errors.New("no result generated")
	ErrInvalidQuestion = errors.New("checklist question must be 1, 2 or 3")
)

type Phase string

const (
	PhaseEmpty             Phase = "empty"
	PhaseFormFilled        Phase = "form_filled"
	PhaseResulted          Phase = "resulted"
	PhaseChecklistPartial  Phase = "checklist_partial"
	PhaseChecklistComplete Phase = "checklist_complete"
	PhaseSaved             Phase = "saved"
)

type Form struct {
	TeamMemberName string `json:"teamMemberName"`
	CompanyName    string `json:"companyName"`
	ContactName    string `json:"contactName"`
	ContactNumber  string `json:"contactNumber"`
	Gatekeeper     string `json:"gatekeeper"`
	CompanySignal  string `json:"companySignal"`
	WorkforceSize  string `json:"workforceSize"`
	Industry       string `json:"industry"`
}

func (f Form) empty() bool {
	return f == Form{TeamMemberName: f.TeamMemberName}
}

func (f Form) ready() bool {
	return strings.TrimSpace(f.CompanySignal) != "" &&
		strings.TrimSpace(f.Gatekeeper) != "" &&
		strings.TrimSpace(f.CompanyName) != ""
}

type Checklist struct {
	Q1 bool `json:"q1"`
	Q2 bool `json:"q2"`
	Q3 bool `json:"q3"`
}

func (c Checklist) Complete() bool { return c.Q1 && c.Q2 && c.Q3 }

func (c Checklist) any() bool { return c.Q1 || c.Q2 || c.Q3 }

type State struct {
	Form      Form            `json:"form"`
	Result    *scoring.Result `json:"result,omitempty"`
	Checklist Checklist       `json:"checklist"`
	EditID    string          `json:"editId,omitempty"`
	Saved     bool            `json:"saveSuccess"`
}

// SetField assigns one form field by its JSON name. Changing an input the
// score depends on (signal, gatekeeper, workforce size) drops the result and
// checklist, so the pitch must be regenerated before it can be saved.
func SetField(s State, field, value string) (State, error) {
	before := s.Form
	switch field {
	case "teamMemberName":
		s.Form.TeamMemberName = value
	case "companyName":
		s.Form.CompanyName = value
	case "contactName":
		s.Form.ContactName = value
	case "contactNumber":
		s.Form.ContactNumber = value
	case "gatekeeper":
		s.Form.Gatekeeper = value
	case "companySignal":
		s.Form.CompanySignal = value
	case "workforceSize":
		s.Form.WorkforceSize = value
	case "industry":
		s.Form.Industry = value
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if s.Result != nil && scoredInputsChanged(before, s.Form) {
		s.Result = nil
		s.Checklist = Checklist{}
		s.Saved = false
	}
	return s, nil
}

func scoredInputsChanged(a, b Form) bool {
	return a.CompanySignal != b.CompanySignal || a.Gatekeeper != b.Gatekeeper || a.WorkforceSize != b.WorkforceSize
}

// Generate scores the form. It resets the checklist and clears any earlier
// save success.
func Generate(cat *catalog.Catalog, s State) (State, error) {
	if !s.Form.ready() {
		return s, ErrMissingFields
	}
	result, err := scoring.Resolve(cat, s.Form.CompanySignal, s.Form.WorkforceSize)
	if err != nil {
		return s, err
	}
	result.Gatekeeper = s.Form.Gatekeeper
	s.Result = &result
	s.Checklist = Checklist{}
	s.Saved = false
	return s, nil
}

// ToggleChecklist flips question q (1-based).
func ToggleChecklist(s State, q int) (State, error) {
	if s.Result == nil {
		return s, ErrNoResult
	}
	switch q {
	case 1:
		s.Checklist.Q1 = !s.Checklist.Q1
	case 2:
		s.Checklist.Q2 = !s.Checklist.Q2
	case 3:
		s.Checklist.Q3 = !s.Checklist.Q3
	default:
		return s, ErrInvalidQuestion
	}
	return s, nil
}

// LoadRecord opens a saved record for editing. The persisted score and angle
// are shown as saved, not recomputed. The signal resolves by id, then by label
// for records that predate stored ids. A record whose signal no longer exists
// loads without a result and must be regenerated before saving.
func LoadRecord(cat *catalog.Catalog, s State, rec records.Record) State {
	entry, found := resolveSignal(cat, rec)

	s = State{
		Form: Form{
			TeamMemberName: rec.TeamMemberName,
			CompanyName:    rec.CompanyName,
			ContactName:    rec.ContactName,
			ContactNumber:  rec.ContactNumber,
			Gatekeeper:     rec.Gatekeeper,
			WorkforceSize:  rec.WorkforceSize,
			Industry:       rec.Industry,
		},
		EditID: rec.ID,
	}
	if !found {
		return s
	}
	s.Form.CompanySignal = entry.ID
	entry.AngleName = rec.AngleName
	s.Result = &scoring.Result{
		SignalEntry: entry,
		FinalScore:  rec.StressScore,
		Gatekeeper:  rec.Gatekeeper,
	}
	s.Checklist = Checklist{Q1: true, Q2: true, Q3: true}
	return s
}

func resolveSignal(cat *catalog.Catalog, rec records.Record) (catalog.SignalEntry, bool) {
	if rec.SignalID != "" {
		if entry, ok := cat.Lookup(rec.SignalID); ok {
			return entry, true
		}
	}
	return cat.ByLabel(rec.SignalLabel)
}

// Reset discards the current result and form. The rep's own name is kept.
func Reset(s State) State {
	return State{Form: Form{TeamMemberName: s.Form.TeamMemberName}}
}

// CanSave reports whether the state allows a save, ignoring in-flight saves.
func CanSave(s State) bool {
	return s.Result != nil && s.Checklist.Complete() && !s.Saved
}

func PhaseOf(s State) Phase {
	switch {
	case s.Saved:
		return PhaseSaved
	case s.Result == nil && s.Form.empty():
		return PhaseEmpty
	case s.Result == nil:
		return PhaseFormFilled
	case s.Checklist.Complete():
		return PhaseChecklistComplete
	case s.Checklist.any():
		return PhaseChecklistPartial
	}
	return PhaseResulted
}

// ClearedToCall is true once every checklist question is confirmed and the
// call has not yet been logged.
func ClearedToCall(s State) bool {
	return s.Result != nil && s.Checklist.Complete() && !s.Saved
}

// Prompt is one checklist question with its context line.
type Prompt struct {
	Question string `json:"question"`
	Detail   string `json:"detail"`
	Checked  bool   `json:"checked"`
}

func Prompts(s State) []Prompt {
	if s.Result == nil {
		return nil
	}
	return []Prompt{
		{
			Question: "Who is the specific Gatekeeper?",
			Detail:   fmt.Sprintf("I am specifically targeting the %s at %s.", s.Result.Gatekeeper, s.Form.CompanyName),
			Checked:  s.Checklist.Q1,
		},
		{
			Question: "What is the Company Signal?",
			Detail:   fmt.Sprintf("I have verified their situation: %s.", s.Result.Label),
			Checked:  s.Checklist.Q2,
		},
		{
			Question: "What is my 10-Second Hook?",
			Detail:   "I have my opening line customized and ready to deliver confidently.",
			Checked:  s.Checklist.Q3,
		},
	}
}

// RecordFrom builds the record written on save.
func RecordFrom(cat *catalog.Catalog, s State) records.Record {
	rec := records.Record{
		TeamMemberName: s.Form.TeamMemberName,
		CompanyName:    s.Form.CompanyName,
		ContactName:    s.Form.ContactName,
		ContactNumber:  s.Form.ContactNumber,
		Gatekeeper:     s.Form.Gatekeeper,
		SignalID:       s.Form.CompanySignal,
		WorkforceSize:  s.Form.WorkforceSize,
		Industry:       s.Form.Industry,
	}
	if entry, ok := cat.Lookup(s.Form.CompanySignal); ok {
		rec.SignalLabel = entry.Label
	}
	if s.Result != nil {
		rec.StressScore = s.Result.FinalScore
		rec.AngleName = s.Result.AngleName
		if rec.SignalLabel == "" {
			rec.SignalLabel = s.Result.Label
		}
	}
	return rec
}
