package tools

import (
	"context"
	"fmt"

	"github.com/Spardaa/unilife-backend-sub000/internal/preferences"
)

// PreferenceStore is the subset of [preferences.Store] the preference
// tools need.
type PreferenceStore interface {
	Merge(ctx context.Context, p preferences.Preference) (*preferences.Preference, error)
	List(ctx context.Context, userID string, category preferences.Category) ([]*preferences.Preference, error)
}

// ToolConfidence is the confidence recorded for preferences the user
// states explicitly.
const ToolConfidence = 0.9

// RegisterPreferenceTools adds get_preferences and remember_preference
// to r. Both take user_id as a caller field: the model never sees it,
// and the acting user on the context wins over any argument.
func RegisterPreferenceTools(r *Registry, store PreferenceStore) error {
	userIDProp := map[string]any{
		"type":        "string",
		"description": "The user the preference belongs to.",
	}
	categoryProp := map[string]any{
		"type":        "string",
		"enum":        []string{"schedule", "habit", "communication", "general"},
		"description": "Preference category",
	}

	if err := r.Register(&Tool{
		Name:        "get_preferences",
		Description: "Look up what is known about the user's preferences (preferred times, habits, tone). Use before planning or scheduling.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":  userIDProp,
				"category": categoryProp,
			},
			"required": []string{"user_id"},
		},
		Tags:         []string{"preferences", "query"},
		CallerFields: []string{"user_id"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			userID := actingUser(ctx, args)
			category, _ := args["category"].(string)
			if category != "" && !preferences.ValidCategory(preferences.Category(category)) {
				return nil, fmt.Errorf("unknown category %q", category)
			}

			prefs, err := store.List(ctx, userID, preferences.Category(category))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(prefs))
			for _, p := range prefs {
				out = append(out, map[string]any{
					"category":   string(p.Category),
					"key":        p.Key,
					"value":      p.Value,
					"confidence": p.Confidence,
				})
			}
			return map[string]any{"count": len(out), "preferences": out}, nil
		},
	}); err != nil {
		return err
	}

	return r.Register(&Tool{
		Name:        "remember_preference",
		Description: "Remember a preference the user stated explicitly, e.g. 'I like to work out in the morning'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":  userIDProp,
				"category": categoryProp,
				"key": map[string]any{
					"type":        "string",
					"description": "Short snake_case name, e.g. workout_time",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The preference itself",
				},
			},
			"required": []string{"user_id", "key", "value"},
		},
		Tags:         []string{"preferences", "action"},
		CallerFields: []string{"user_id"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			userID := actingUser(ctx, args)
			category, _ := args["category"].(string)
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if category == "" {
				category = string(preferences.CategoryGeneral)
			}
			if !preferences.ValidCategory(preferences.Category(category)) {
				return nil, fmt.Errorf("unknown category %q", category)
			}

			p, err := store.Merge(ctx, preferences.Preference{
				UserID:     userID,
				Category:   preferences.Category(category),
				Key:        key,
				Value:      value,
				Source:     "tool",
				Confidence: ToolConfidence,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"stored":     true,
				"key":        p.Key,
				"value":      p.Value,
				"confidence": p.Confidence,
			}, nil
		},
	})
}

// actingUser returns the user on ctx, falling back to the injected
// user_id argument for calls made outside a loop.
func actingUser(ctx context.Context, args map[string]any) string {
	if id := UserIDFromContext(ctx); id != "" {
		return id
	}
	id, _ := args["user_id"].(string)
	return id
}
