package prompts

import "fmt"

const contextFilterTemplate = `You decide how much conversation history the assistant needs to answer
the newest message. Below are the earlier turns, oldest first, one per line.

%s

Newest message: %s

Call set_context_window with keep_turns: the number of most recent turns
that are relevant. Keep more when the message refers back ("that", "it",
"the one before"); keep fewer when it starts a new self-contained request.`

// ContextFilterPrompt returns the prompt for the structured decision
// call that picks how many history turns to keep.
func ContextFilterPrompt(summary, message string) string {
	return fmt.Sprintf(contextFilterTemplate, summary, message)
}
