package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/ragops-web/internal/container"
)

// Compose tool names.
const (
	ServiceStatusToolName  = "service_status"
	ListContainersToolName = "list_containers"
	StopContainerToolName  = "stop_container"
)

var errStopDeclined = errors.New("user declined to stop the service")

// ComposeTools inspects the compose project of a session. When asker is
// non-nil, stopping a service needs the user's confirmation.
func ComposeTools(insp container.Inspector, project string, asker Asker) []Tool {
	serviceParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service": map[string]any{"type": "string", "description": "Compose service name."},
		},
		"required": []any{"service"},
	}

	return []Tool{
		{
			Definition: Definition{
				Name:        ListContainersToolName,
				Description: "List the containers of the deployment's compose project.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Invoker: InvokerFunc(func(ctx context.Context, _ string, _ map[string]any, _ ProgressFunc) (string, error) {
				services, err := insp.ListServices(ctx, project)
				if err != nil {
					return "", err
				}
				if len(services) == 0 {
					return fmt.Sprintf("No containers found for project %q.", project), nil
				}
				return marshalResult(services)
			}),
		},
		{
			Definition: Definition{
				Name:        ServiceStatusToolName,
				Description: "Show the state of one compose service.",
				Parameters:  serviceParam,
			},
			Invoker: InvokerFunc(func(ctx context.Context, _ string, args map[string]any, _ ProgressFunc) (string, error) {
				service, ok := StringArg(args, "service")
				if !ok || service == "" {
					return "", fmt.Errorf("%w: service", errMissingArgument)
				}
				svc, err := insp.ServiceStatus(ctx, project, service)
				if err != nil {
					return "", err
				}
				return marshalResult(svc)
			}),
		},
		{
			Definition: Definition{
				Name:        StopContainerToolName,
				Description: "Stop and remove the container of one compose service.",
				Parameters:  serviceParam,
			},
			Invoker: InvokerFunc(func(ctx context.Context, _ string, args map[string]any, report ProgressFunc) (string, error) {
				service, ok := StringArg(args, "service")
				if !ok || service == "" {
					return "", fmt.Errorf("%w: service", errMissingArgument)
				}
				if asker != nil {
					confirmed, err := asker.RequestConfirmation(ctx, fmt.Sprintf("Stop service %q?", service), false)
					if err != nil {
						return "", err
					}
					if !confirmed {
						return "", errStopDeclined
					}
				}
				if report != nil {
					report(Progress{Message: "stopping " + service})
				}
				if err := insp.StopService(ctx, project, service); err != nil {
					return "", err
				}
				return fmt.Sprintf("Service %q stopped.", service), nil
			}),
		},
	}
}

func marshalResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
