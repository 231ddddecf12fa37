package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSinglePassSystemPrompt_IncludesTime(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	got := SinglePassSystemPrompt(now)

	for _, phrase := range []string{"2026-05-04T09:30:00Z", "Monday", "UniLife"} {
		if !strings.Contains(got, phrase) {
			t.Errorf("SinglePassSystemPrompt() missing %q", phrase)
		}
	}
}

func TestExecutionSystemPrompt_IncludesIntent(t *testing.T) {
	got := ExecutionSystemPrompt(time.Now(), "action")
	if !strings.Contains(got, "Classified intent: action") {
		t.Error("ExecutionSystemPrompt() missing classified intent")
	}
}

func TestResponseShapingPrompt(t *testing.T) {
	without := ResponseShapingPrompt("")
	if strings.Contains(without, "What was done") {
		t.Error("empty results should not add a results section")
	}

	with := ResponseShapingPrompt("create_event: ok")
	if !strings.Contains(with, "create_event: ok") {
		t.Error("results missing from shaping prompt")
	}
	if !strings.Contains(with, `"suggestions"`) {
		t.Error("shaping prompt does not describe the JSON shape")
	}
}

func TestContextFilterPrompt(t *testing.T) {
	got := ContextFilterPrompt("user: hi\nassistant: hello", "move it")
	for _, phrase := range []string{"user: hi", "Newest message: move it", "set_context_window"} {
		if !strings.Contains(got, phrase) {
			t.Errorf("ContextFilterPrompt() missing %q", phrase)
		}
	}
}

func TestPreferenceExtractionPrompt(t *testing.T) {
	got := PreferenceExtractionPrompt("[user] I hate early meetings")
	if !strings.Contains(got, "[user] I hate early meetings") {
		t.Error("transcript missing from extraction prompt")
	}
	if !strings.Contains(got, "worth_persisting") {
		t.Error("extraction prompt does not describe the JSON shape")
	}
}

func TestIntentClassificationPrompt_ListsLabels(t *testing.T) {
	for _, label := range []string{"chat", "query", "action"} {
		if !strings.Contains(IntentClassificationPrompt, label) {
			t.Errorf("IntentClassificationPrompt missing label %q", label)
		}
	}
}
