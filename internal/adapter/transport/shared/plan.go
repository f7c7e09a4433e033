package shared

import (
	"fmt"
	"strings"
)

// StatusRunning is reported while a turn is in progress. Plan updates carry
// it too, with the plan summary as the message.
const StatusRunning = "running"

// PlanStep is one entry of an agent's plan.
type PlanStep struct {
	Text   string
	Status string
}

// SummarizePlan renders a plan as one line per step, prefixed by a checkbox
// reflecting the step's status.
func SummarizePlan(steps []PlanStep) string {
	var sb strings.Builder
	for i, s := range steps {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %s", planMarker(s.Status), s.Text)
	}
	return sb.String()
}

func planMarker(status string) string {
	switch status {
	case "completed":
		return "[x]"
	case "in_progress", "inProgress":
		return "[~]"
	}
	return "[ ]"
}
