// Command sprintctl is the operator CLI for the Sprint Orchestrator
// (SPEC_FULL.md §15.4): it drives a sprintd instance's REST surface so
// an operator can create, start, approve, pause, resume, cancel, and
// restart a sprint from a terminal without the (out-of-scope) browser
// client. Grounded on the cobra-based CLI shape the pack uses
// repeatedly (hugo-lorenzo-mato-quorum-ai's cmd/quorum, andymwolf's
// cmd/agentium): a thin main.go delegating straight into a cmd
// subpackage's Execute.
package main

import (
	"os"

	"github.com/sprintforge/orchestrator/cmd/sprintctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
