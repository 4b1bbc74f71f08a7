package tools

import (
	"context"
	"fmt"

	"github.com/ashureev/ragops-web/internal/checklist"
)

// Checklist tool names.
const (
	CreateChecklistToolName = "create_checklist"
	GetChecklistToolName    = "get_checklist"
	UpdateChecklistToolName = "update_checklist_item"
)

// ChecklistTools lets the model plan its work in store. publish is called
// with the rendered checklist whenever it changes.
func ChecklistTools(store *checklist.Store, publish func(rendered string)) []Tool {
	notify := func(rendered string, changed bool) {
		if changed && publish != nil {
			publish(rendered)
		}
	}

	return []Tool{
		{
			Definition: Definition{
				Name:        CreateChecklistToolName,
				Description: "Replace the task checklist with the given steps, all pending.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"steps": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []any{"steps"},
				},
			},
			Invoker: InvokerFunc(func(_ context.Context, _ string, args map[string]any, _ ProgressFunc) (string, error) {
				steps, ok := StringsArg(args, "steps")
				if !ok || len(steps) == 0 {
					return "", fmt.Errorf("%w: steps", errMissingArgument)
				}
				items := make([]checklist.Item, 0, len(steps))
				for _, s := range steps {
					items = append(items, checklist.Item{Text: s, Status: checklist.StatusPending})
				}
				rendered, changed := store.Replace(items)
				notify(rendered, changed)
				return rendered, nil
			}),
		},
		{
			Definition: Definition{
				Name:        GetChecklistToolName,
				Description: "Return the current task checklist.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
				rendered := checklist.Render(store.Snapshot())
				if rendered == "" {
					return "No checklist yet.", nil
				}
				return rendered, nil
			}),
		},
		{
			Definition: Definition{
				Name:        UpdateChecklistToolName,
				Description: "Set the status of one checklist step by zero-based index.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"index": map[string]any{"type": "integer"},
						"status": map[string]any{
							"type": "string",
							"enum": []any{"pending", "in_progress", "completed", "failed"},
						},
					},
					"required": []any{"index", "status"},
				},
			},
			Invoker: InvokerFunc(func(_ context.Context, _ string, args map[string]any, _ ProgressFunc) (string, error) {
				index, ok := IntArg(args, "index")
				if !ok {
					return "", fmt.Errorf("%w: index", errMissingArgument)
				}
				status, _ := StringArg(args, "status")
				rendered, changed, err := store.Update(index, checklist.Status(status))
				if err != nil {
					return "", err
				}
				notify(rendered, changed)
				return rendered, nil
			}),
		},
	}
}
