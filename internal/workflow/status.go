package workflow

import (
	"fmt"

	"github.com/finsight-ai/finsight/internal/domain"
)

// nodeStatusMessages maps engine node names to the phase messages the
// client shows while a run is in flight.
var nodeStatusMessages = map[string]string{
	"entry_router":               "Analyzing your question...",
	"navigation_controller":      "Understanding intent and context...",
	"router_agent":               "Selecting relevant data sources...",
	"strategy_planner_agent":     "Planning analysis strategy...",
	"drillthrough_planner_agent": "Performing detailed analysis...",
	"narrative_agent":            "Generating response...",
	"followup_question_agent":    "Suggesting follow-up questions...",
}

// StatusMessage returns the phase message for a completed node.
// Clarification flags in the node's output take precedence over the
// node's own message.
func StatusMessage(node string, data map[string]any) string {
	if flag, ok := data[domain.KeyRequiresDomainClarification].(bool); ok && flag {
		return "Need clarification on which area to analyze..."
	}
	if flag, ok := data[domain.KeyRequiresDatasetClarification].(bool); ok && flag {
		return "Need clarification on which dataset to use..."
	}
	if greeting, ok := data[domain.KeyGreetingResponse].(string); ok && greeting != "" {
		return "Responding to greeting..."
	}
	if msg, ok := nodeStatusMessages[node]; ok {
		return msg
	}
	return fmt.Sprintf("Processing %s...", node)
}

// Clarification is a request for more input from the user before the
// analysis can proceed.
type Clarification struct {
	Type    string // domain, dataset, or sql
	Message string
}

// FinalResponse inspects a run's final state for a special outcome.
// A greeting wins over any clarification; clarifications are checked
// domain first, then dataset, then sql. Both returns are zero when the
// narrative response already carried the answer.
func FinalResponse(state domain.State) (greeting string, clar *Clarification) {
	if g := state.String(domain.KeyGreetingResponse); g != "" {
		return g, nil
	}
	if q := state.String(domain.KeyDomainFollowup); q != "" {
		return "", &Clarification{Type: "domain", Message: q}
	}
	if q := state.String(domain.KeyDatasetFollowup); q != "" {
		return "", &Clarification{Type: "dataset", Message: q}
	}
	if q := state.String(domain.KeySQLFollowup); q != "" {
		return "", &Clarification{Type: "sql", Message: q}
	}
	return "", nil
}

// responseFields is the allowlist of state keys that may travel back
// to the client. Everything else (intermediate SQL, prompt payloads,
// credentials) stays server-side.
var responseFields = map[string]struct{}{
	"session_id":                      {},
	"user_id":                         {},
	"current_question":                {},
	"user_question":                   {},
	"question_type":                   {},
	"rewritten_question":              {},
	"next_agent":                      {},
	"domain_selection":                {},
	"selected_dataset":                {},
	"functional_names":                {},
	"greeting_response":               {},
	"narrative_response":              {},
	"followup_questions":              {},
	"chart_spec":                      {},
	"report_found":                    {},
	"report_url":                      {},
	"report_name":                     {},
	"requires_domain_clarification":   {},
	"domain_followup_question":        {},
	"requires_dataset_clarification":  {},
	"dataset_followup_question":       {},
	"needs_followup":                  {},
	"sql_followup_question":           {},
	"errors":                          {},
	"nav_error_msg":                   {},
	"user_friendly_message":           {},
}

// SanitizeState filters a final state down to client-safe fields,
// dropping nil values.
func SanitizeState(state domain.State) domain.State {
	out := domain.State{}
	for k, v := range state {
		if _, ok := responseFields[k]; !ok || v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
