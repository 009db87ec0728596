package engine

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/taskgate/model"
)

// ProcessDefinition is the part of a BPMN document the service needs: the
// executable process key and its user tasks in document order.
type ProcessDefinition struct {
	Key       string
	Name      string
	UserTasks []UserTaskDefinition
}

type bpmnDefinitions struct {
	Processes []bpmnProcess `xml:"process"`
}

type bpmnProcess struct {
	ID           string         `xml:"id,attr"`
	Name         string         `xml:"name,attr"`
	IsExecutable string         `xml:"isExecutable,attr"`
	UserTasks    []bpmnUserTask `xml:"userTask"`
}

type bpmnUserTask struct {
	ID              string `xml:"id,attr"`
	Name            string `xml:"name,attr"`
	CandidateGroups string `xml:"candidateGroups,attr"`
	FormKey         string `xml:"formKey,attr"`
	Category        string `xml:"category,attr"`
	Priority        string `xml:"priority,attr"`
	Documentation   string `xml:"documentation"`
}

// ParseBPMN extracts the first executable process of a BPMN 2.0 document.
// Flowable and Activiti extension attributes are matched by local name.
func ParseBPMN(bpmnXML string) (ProcessDefinition, error) {
	var defs bpmnDefinitions
	if err := xml.Unmarshal([]byte(bpmnXML), &defs); err != nil {
		return ProcessDefinition{}, model.NewValidationError([]model.FieldError{{
			Field:   "bpmn_xml",
			Code:    "INVALID_BPMN",
			Message: fmt.Sprintf("unparseable BPMN document: %v", err),
		}})
	}

	var proc *bpmnProcess
	for i := range defs.Processes {
		p := &defs.Processes[i]
		if p.IsExecutable == "" || p.IsExecutable == "true" {
			proc = p
			break
		}
	}
	if proc == nil || proc.ID == "" {
		return ProcessDefinition{}, model.NewValidationError([]model.FieldError{{
			Field:   "bpmn_xml",
			Code:    "INVALID_BPMN",
			Message: "BPMN document declares no executable process",
		}})
	}

	def := ProcessDefinition{Key: proc.ID, Name: proc.Name}
	for _, ut := range proc.UserTasks {
		def.UserTasks = append(def.UserTasks, UserTaskDefinition{
			ID:              ut.ID,
			Name:            ut.Name,
			Documentation:   strings.TrimSpace(ut.Documentation),
			FormKey:         ut.FormKey,
			Category:        ut.Category,
			CandidateGroups: splitGroups(ut.CandidateGroups),
			Priority:        parsePriority(ut.Priority),
		})
	}
	return def, nil
}

func splitGroups(s string) []string {
	var groups []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// parsePriority ignores expressions; only literal priorities are known at deploy time.
func parsePriority(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
