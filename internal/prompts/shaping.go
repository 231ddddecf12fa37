package prompts

import "fmt"

const responseShapingTemplate = `%s

Write the reply to the user's latest message.%s

Return JSON only:
{"reply": "<message to the user>", "suggestions": ["<short follow-up option>", ...]}

Offer at most three suggestions, or an empty list when none fit.`

// ResponseShapingPrompt returns the system prompt for the tool-free
// response shaping call. results summarizes what the execution stage
// did; it may be empty.
func ResponseShapingPrompt(results string) string {
	section := ""
	if results != "" {
		section = fmt.Sprintf("\n\nWhat was done or found for this request:\n%s", results)
	}
	return fmt.Sprintf(responseShapingTemplate, assistantIdentity, section)
}
