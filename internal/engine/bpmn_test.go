package engine

import (
	"os"
	"testing"

	"github.com/pitabwire/taskgate/model"
)

func loadApproval(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/approval.bpmn20.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func TestParseBPMN_userTasks(t *testing.T) {
	def, err := ParseBPMN(loadApproval(t))
	if err != nil {
		t.Fatalf("ParseBPMN() error = %v", err)
	}

	if def.Key != "approval" || def.Name != "Loan Approval" {
		t.Errorf("definition = %q/%q", def.Key, def.Name)
	}
	if len(def.UserTasks) != 2 {
		t.Fatalf("user tasks = %d, want 2", len(def.UserTasks))
	}

	review := def.UserTasks[0]
	if review.ID != "reviewApplication" {
		t.Errorf("first task = %q, want document order", review.ID)
	}
	if len(review.CandidateGroups) != 2 || review.CandidateGroups[0] != "managers" || review.CandidateGroups[1] != "risk" {
		t.Errorf("candidate groups = %v", review.CandidateGroups)
	}
	if review.FormKey != "loan-review" || review.Category != "review" || review.Priority != 70 {
		t.Errorf("review = %+v", review)
	}
	if review.Documentation != "Check the applicant's documents." {
		t.Errorf("documentation = %q", review.Documentation)
	}

	if p := def.UserTasks[1].Priority; p != 0 {
		t.Errorf("expression priority = %d, want 0", p)
	}
}

func TestParseBPMN_invalid(t *testing.T) {
	tests := map[string]string{
		"malformed":      "<definitions><process",
		"no process":     `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"/>`,
		"not executable": `<definitions><process id="p" isExecutable="false"/></definitions>`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBPMN(doc)
			if !model.IsCode(err, model.ErrValidationError) {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}
