package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Interactive tool names.
const (
	ConfirmToolName = "interactive_user_confirm"
	ChoiceToolName  = "interactive_user_choice"
)

var errMissingArgument = errors.New("missing required argument")

// Asker puts a question to the human driving the session.
type Asker interface {
	RequestConfirmation(ctx context.Context, question string, def bool) (bool, error)
	RequestChoice(ctx context.Context, title string, options []string) (string, error)
}

// InteractiveTools exposes the asker as model-callable tools.
func InteractiveTools(asker Asker) []Tool {
	return []Tool{
		{
			Definition: Definition{
				Name:        ConfirmToolName,
				Description: "Ask the user a yes/no question and wait for the answer. " +
					"If confirmed is false or the request was cancelled, stop and wait for the user's next message.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string", "description": "The question to ask."},
						"default":  map[string]any{"type": "boolean", "description": "Answer preselected for the user."},
					},
					"required": []any{"question"},
				},
			},
			Invoker: InvokerFunc(func(ctx context.Context, _ string, args map[string]any, _ ProgressFunc) (string, error) {
				question, ok := StringArg(args, "question")
				if !ok || question == "" {
					return "", fmt.Errorf("%w: question", errMissingArgument)
				}
				def, _ := BoolArg(args, "default")
				confirmed, err := asker.RequestConfirmation(ctx, question, def)
				if err != nil {
					if ctx.Err() != nil {
						return "", err
					}
					return marshalAnswer(map[string]any{"cancelled": true, "confirmed": nil})
				}
				return marshalAnswer(map[string]any{"cancelled": false, "confirmed": confirmed})
			}),
		},
		{
			Definition: Definition{
				Name:        ChoiceToolName,
				Description: "Ask the user to pick one of several options and wait for the answer. " +
					"If the request was cancelled, stop and wait for the user's next message.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":   map[string]any{"type": "string", "description": "What the user is choosing."},
						"choices": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []any{"title", "choices"},
				},
			},
			Invoker: InvokerFunc(func(ctx context.Context, _ string, args map[string]any, _ ProgressFunc) (string, error) {
				title, _ := StringArg(args, "title")
				choices, ok := StringsArg(args, "choices")
				if !ok || len(choices) == 0 {
					return "", fmt.Errorf("%w: choices", errMissingArgument)
				}
				choice, err := asker.RequestChoice(ctx, title, choices)
				if err != nil {
					if ctx.Err() != nil {
						return "", err
					}
					return marshalAnswer(map[string]any{"cancelled": true, "choice": nil})
				}
				return marshalAnswer(map[string]any{"cancelled": false, "choice": choice})
			}),
		},
	}
}

// marshalAnswer encodes an interactive answer for the model. Unanswered
// requests are reported as cancelled rather than failed.
func marshalAnswer(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode answer: %w", err)
	}
	return string(data), nil
}
