package prompts

import "fmt"

// preferenceExtractionTemplate is sent to the model during a reflection
// pass. The format verb is the conversation transcript.
const preferenceExtractionTemplate = `Read this conversation and extract durable preferences about the user that
would help plan their life in the future. Focus on:
- Scheduling preferences (preferred times, meeting lengths, buffers)
- Habits and routines (workouts, study, sleep)
- Communication style (tone, verbosity, language)

Ignore one-off requests and anything the user did not clearly express.

Valid categories: schedule, habit, communication, general

Return JSON only. Examples:

{"worth_persisting": true, "signals": [
  {"category": "schedule", "key": "workout_time", "value": "Prefers working out before 8am", "confidence": 0.8}
]}

If nothing is worth remembering:
{"worth_persisting": false, "signals": []}

Conversation:
%s

JSON:`

// PreferenceExtractionPrompt returns the fully interpolated prompt for
// reflection-time preference extraction.
func PreferenceExtractionPrompt(transcript string) string {
	return fmt.Sprintf(preferenceExtractionTemplate, transcript)
}
