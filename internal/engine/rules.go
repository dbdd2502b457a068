package engine

import (
	"fmt"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

const (
	RuleNoLogs                = "NO_LOGS"
	RuleStartNoBranch         = "START_NO_BRANCH"
	RuleBranchConditionFailed = "BRANCH_CONDITION_FAILED"
	RuleActionFailed          = "ACTION_FAILED"
	RuleNoActionReached       = "NO_ACTION_REACHED"
	RuleWorkflowCompleted     = "WORKFLOW_COMPLETED"
	RuleUnclear               = "UNCLEAR"
)

// Missing-data categories reported in the debug section.
const (
	MissingAllLogs                 = "all_logs"
	MissingBranchLogs              = "branch_logs"
	MissingActionLogs              = "action_logs"
	MissingCompleteInstrumentation = "complete_instrumentation"
)

// DefaultRules returns the built-in cascade, most specific diagnosis first.
func DefaultRules() []Rule {
	return []Rule{
		noLogsRule,
		startNoBranchRule,
		branchConditionFailedRule,
		actionFailedRule,
		noActionReachedRule,
		workflowCompletedRule,
		unclearRule,
	}
}

var noLogsRule = Rule{
	ID: RuleNoLogs,
	Applies: func(f *Facts) bool {
		return len(f.Events) == 0
	},
	Build: func(f *Facts) models.ExplanationResult {
		return models.ExplanationResult{
			Summary:     "No workflow execution logs found for this deal.",
			LikelyCause: "The workflow either never ran for this deal, or instrumentation is missing. The deal may not have met the enrollment criteria.",
			Evidence: []string{
				"No checkpoint logs exist for this deal + workflow combination",
				"Workflow may not be enrolled for this deal",
				"Custom code actions may not be set up in the workflow",
			},
			LocatedAt: nil,
			Fix: []string{
				"Verify the deal meets the workflow enrollment criteria",
				"Check that the workflow is active and published",
				"Ensure custom code actions are added at START, BRANCH, and ACTION checkpoints",
			},
			Debug: models.Debug{MissingData: []string{MissingAllLogs}},
		}
	},
}

var startNoBranchRule = Rule{
	ID: RuleStartNoBranch,
	Applies: func(f *Facts) bool {
		return f.Start != nil && len(f.Branches) == 0
	},
	Build: func(f *Facts) models.ExplanationResult {
		return models.ExplanationResult{
			Summary:     "Workflow started but exited before reaching any branch conditions.",
			LikelyCause: "The workflow may have an early exit condition, or the branch checkpoint instrumentation is missing.",
			Evidence: []string{
				fmt.Sprintf("Workflow started at %s", models.FormatTimestamp(f.Start.CreatedAt)),
				"No branch checkpoint was reached",
			},
			LocatedAt: models.LocationOf(*f.Start),
			Fix: []string{
				"Check if there are conditions between START and the first branch that might cause early exit",
				"Verify branch checkpoint custom code is in place",
				"Review workflow execution history in HubSpot",
			},
			Debug: models.Debug{MissingData: []string{MissingBranchLogs}},
		}
	},
}

var branchConditionFailedRule = Rule{
	ID: RuleBranchConditionFailed,
	Applies: func(f *Facts) bool {
		return f.FailedBranch != nil
	},
	Build: func(f *Facts) models.ExplanationResult {
		cond := f.FailedCondition
		evidence := []string{fmt.Sprintf("Condition failed: %s", cond.Describe())}
		if cond.HasActual() {
			evidence = append(evidence, fmt.Sprintf("Actual value was: %s", models.RenderJSON(cond.ActualValue)))
		}
		if current, ok := f.Attribute(cond.Property); ok {
			evidence = append(evidence, fmt.Sprintf("CRM currently reports %s = %s", cond.Property, models.RenderValue(current)))
		}
		evidence = append(evidence, fmt.Sprintf("Branch \"%s\" evaluated to false", f.FailedBranch.StepName))

		return models.ExplanationResult{
			Summary:     "The workflow took an unexpected branch path because a condition was not met.",
			LikelyCause: fmt.Sprintf("The condition \"%s\" evaluated to false.", cond.Describe()),
			Evidence:    evidence,
			LocatedAt:   models.LocationOf(*f.FailedBranch),
			Fix: []string{
				fmt.Sprintf("Update the deal's \"%s\" field to meet the condition", cond.Property),
				"Or modify the workflow branch condition if the current logic is incorrect",
			},
		}
	},
}

var actionFailedRule = Rule{
	ID: RuleActionFailed,
	Applies: func(f *Facts) bool {
		return f.LastAction != nil && models.PayloadIndicatesFailure(f.LastActionPayload)
	},
	Build: func(f *Facts) models.ExplanationResult {
		action := f.LastAction
		evidence := []string{fmt.Sprintf("Action \"%s\" recorded an error", action.StepName)}
		if errVal := f.LastActionPayload["error"]; models.Truthy(errVal) {
			evidence = append(evidence, fmt.Sprintf("Error: %s", models.RenderValue(errVal)))
		}
		return models.ExplanationResult{
			Summary:     "An action in the workflow failed to execute properly.",
			LikelyCause: fmt.Sprintf("The action \"%s\" encountered an error during execution.", action.StepName),
			Evidence:    evidence,
			LocatedAt:   models.LocationOf(*action),
			Fix: []string{
				"Check the action configuration in the workflow",
				"Verify any referenced properties or associations exist",
				"Review HubSpot workflow error logs for more details",
			},
		}
	},
}

var noActionReachedRule = Rule{
	ID: RuleNoActionReached,
	Applies: func(f *Facts) bool {
		return f.Start != nil && len(f.Branches) > 0 && len(f.Actions) == 0
	},
	Build: func(f *Facts) models.ExplanationResult {
		lastBranch := f.Branches[len(f.Branches)-1]
		return models.ExplanationResult{
			Summary:     "Workflow reached branch conditions but no action was executed.",
			LikelyCause: "The workflow path taken did not lead to any actions, or action checkpoint instrumentation is missing.",
			Evidence: []string{
				fmt.Sprintf("Workflow started at %s", models.FormatTimestamp(f.Start.CreatedAt)),
				fmt.Sprintf("%d branch checkpoint(s) recorded", len(f.Branches)),
				"No action checkpoint was reached",
			},
			LocatedAt: models.LocationOf(lastBranch),
			Fix: []string{
				"Verify the branch path leads to an action in the workflow",
				"Add action checkpoint instrumentation if missing",
				"Check if conditional logic is preventing action execution",
			},
			Debug: models.Debug{MissingData: []string{MissingActionLogs}},
		}
	},
}

// workflowCompletedRule is only reached once every more specific rule has
// declined, so it does not re-check their preconditions.
var workflowCompletedRule = Rule{
	ID: RuleWorkflowCompleted,
	Applies: func(f *Facts) bool {
		return f.Start != nil && len(f.Actions) > 0
	},
	Build: func(f *Facts) models.ExplanationResult {
		return models.ExplanationResult{
			Summary:     "The workflow appears to have completed successfully.",
			LikelyCause: "Based on the checkpoint logs, the workflow executed through START, branches, and actions without detected failures.",
			Evidence: []string{
				fmt.Sprintf("Workflow started at %s", models.FormatTimestamp(f.Start.CreatedAt)),
				fmt.Sprintf("%d branch checkpoint(s) recorded", len(f.Branches)),
				fmt.Sprintf("%d action checkpoint(s) recorded", len(f.Actions)),
			},
			LocatedAt: models.LocationOf(*f.Last()),
			Fix: []string{
				"If the outcome was still unexpected, check the specific action results in HubSpot",
				"Review whether the correct branch path was taken",
				"Verify the action produced the expected side effects",
			},
		}
	},
}

var unclearRule = Rule{
	ID: RuleUnclear,
	Applies: func(f *Facts) bool {
		return true
	},
	Build: func(f *Facts) models.ExplanationResult {
		var where *models.Location
		if first := f.First(); first != nil {
			where = models.LocationOf(*first)
		}
		return models.ExplanationResult{
			Summary:     "Unable to determine a clear cause from the available logs.",
			LikelyCause: "The checkpoint logs are incomplete or in an unexpected state.",
			Evidence:    []string{fmt.Sprintf("Found %d log entries but pattern doesn't match known scenarios", len(f.Events))},
			LocatedAt:   where,
			Fix: []string{
				"Ensure all three checkpoint types (START, BRANCH, ACTION) are instrumented",
				"Review the raw logs for unexpected patterns",
				"Check workflow configuration in HubSpot",
			},
			Debug: models.Debug{MissingData: []string{MissingCompleteInstrumentation}},
		}
	},
}
