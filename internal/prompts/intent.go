package prompts

// IntentClassificationPrompt is the system prompt for the intent
// routing call. The model must answer with one label.
const IntentClassificationPrompt = `Classify the user's latest message into exactly one intent:

chat   - small talk, thanks, greetings; needs no data and no changes
query  - asks about existing events, routines, statistics, or preferences
action - asks to create, move, cancel, or change something

Answer with the label only: chat, query, or action.`
