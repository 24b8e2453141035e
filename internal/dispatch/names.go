// Package dispatch names and runs the recurring jobs that wake workers up.
package dispatch

import (
	"strings"

	"github.com/snarktank/antfarm/pkg/api"
)

// Namespace prefixes every job antfarm owns in a dispatcher.
const Namespace = "antfarm/"

// JobName returns the job name for a fully qualified agent id
// ("<workflow>/<agent>").
func JobName(agentID string) string {
	return Namespace + agentID
}

// JobPrefix returns the prefix shared by every job of a workflow.
func JobPrefix(workflowID string) string {
	return Namespace + workflowID + "/"
}

// ParseJobName extracts workflow and agent from a job name. ok is false for
// names outside the antfarm namespace.
func ParseJobName(name string) (workflowID, agent string, ok bool) {
	rest, found := strings.CutPrefix(name, Namespace)
	if !found {
		return "", "", false
	}
	return api.SplitAgentID(rest)
}
