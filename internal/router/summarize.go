package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
)

// sideDataKeys maps a result kind to its key in Envelope.SideData.
// Generic results carry no side data.
var sideDataKeys = map[tools.ResultKind]string{
	tools.KindEvents:         "events",
	tools.KindStatistics:     "statistics",
	tools.KindRoutineSummary: "routines",
}

// SideData collects the structured payloads of successful tool calls by
// their declared result kind. Event lists are flattened into one list.
// Returns nil when nothing qualifies.
func SideData(records []agent.ToolCallRecord) map[string]any {
	var out map[string]any
	for _, rec := range records {
		if !rec.Result.Success || rec.Result.Payload == nil {
			continue
		}
		key, ok := sideDataKeys[rec.Result.Kind]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		list, _ := out[key].([]any)
		if rec.Result.Kind == tools.KindEvents {
			list = append(list, flatten(rec.Result.Payload)...)
		} else {
			list = append(list, rec.Result.Payload)
		}
		out[key] = list
	}
	return out
}

func flatten(payload any) []any {
	switch p := payload.(type) {
	case []any:
		return p
	case []map[string]any:
		out := make([]any, len(p))
		for i, m := range p {
			out[i] = m
		}
		return out
	}
	return []any{payload}
}

// maxResultChars caps each result line in a summary.
const maxResultChars = 500

// SummarizeResults renders executed calls as text for the response
// shaping prompt, one line per call. The text for each call depends on
// its declared kind, never on its payload fields.
func SummarizeResults(records []agent.ToolCallRecord) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range records {
		res := rec.Result
		if !res.Success {
			fmt.Fprintf(&sb, "- %s failed: %s\n", rec.Request.Name, truncate(res.Error, maxResultChars))
			continue
		}

		var label string
		switch res.Kind {
		case tools.KindEvents:
			label = fmt.Sprintf("%d event(s)", len(flatten(res.Payload)))
		case tools.KindStatistics:
			label = "statistics"
		case tools.KindRoutineSummary:
			label = "routine summary"
		default:
			label = "ok"
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", rec.Request.Name, label, compactJSON(res.Payload))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncate(string(data), maxResultChars)
}
