// Package agentworker implements the Agent Worker (spec.md §4.4): it
// consumes request.created events, invokes the model Provider boundary,
// interprets routing directives in the agent's response, and emits
// response.ready.
package agentworker

import (
	"strings"
)

// taskCompleteSignal is emitted by any agent to hand the turn back to
// the default routing agent (original_source/request-manager's
// routing.py: "task_complete_return_to_router").
const taskCompleteSignal = "task_complete_return_to_router"

// routeToPrefix marks a line that names a specific routing target
// (original_source's "ROUTE_TO: <agent-name>").
const routeToPrefix = "ROUTE_TO:"

// detectRoutingDirective inspects an agent's response content for the
// two routing signals spec.md §4.4 recognizes and returns the agent id
// the next turn should run against, or "" if the response carries no
// directive and should be returned to the caller as-is.
//
// task_complete_return_to_router always wins if both signals are
// present in the same response, matching the original's check order.
func detectRoutingDirective(content, defaultAgentID string, knownAgents map[string]bool) string {
	trimmed := strings.TrimSpace(content)

	if strings.Contains(trimmed, taskCompleteSignal) {
		return defaultAgentID
	}

	if !strings.Contains(trimmed, routeToPrefix) {
		return ""
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, routeToPrefix) {
			continue
		}
		target := strings.TrimSpace(strings.TrimPrefix(line, routeToPrefix))
		if target == "" {
			continue
		}
		if knownAgents[target] {
			return target
		}
		// An unknown target is ignored, not an error: the turn falls
		// back to a plain response (spec.md §4.4).
		return ""
	}
	return ""
}
