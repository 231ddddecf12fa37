// Package prompts contains all LLM prompt templates used by unilife.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
//
// Convention: each model call gets its own file (system.go, intent.go,
// shaping.go, filter.go, extraction.go) with an exported function that
// accepts the dynamic parts and returns the fully interpolated prompt.
package prompts
