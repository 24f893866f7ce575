package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/catalog-events/pkg/apps"
	"github.com/morezero/catalog-events/pkg/pipeline"
)

const logPrefix = "dispatcher:dispatch"

// Pinger reports database liveness for the health method. *pgxpool.Pool
// implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dispatcher routes COMMS requests to pipeline methods.
type Dispatcher struct {
	pipeline *pipeline.Pipeline
	apps     *apps.Registry
	db       Pinger
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Pipeline *pipeline.Pipeline
	Apps     *apps.Registry
	DB       Pinger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	return &Dispatcher{pipeline: params.Pipeline, apps: params.Apps, db: params.DB}
}

// Dispatch routes a request to the appropriate pipeline method and returns a
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	userName := "system"
	if req.Ctx != nil && req.Ctx.UserID != "" {
		userName = req.Ctx.UserID
	}

	switch req.Method {
	case "record":
		return d.handleRecord(ctx, req, userName)
	case "events.list":
		return d.handleListEvents(ctx, req)
	case "subscriptions.upsert":
		return d.handleUpsertSubscription(ctx, req)
	case "subscriptions.list":
		return d.handleListSubscriptions(ctx, req)
	case "apps.trigger":
		return d.handleTriggerApp(ctx, req)
	case "health":
		return d.handleHealth(ctx, req)
	default:
		return &PipelineResponse{
			ID: req.ID,
			Ok: false,
			Error: &ErrorDetail{
				Code:      "METHOD_NOT_FOUND",
				Message:   fmt.Sprintf("Unknown method: %s", req.Method),
				Retryable: false,
			},
		}
	}
}

func (d *Dispatcher) handleRecord(ctx context.Context, req *PipelineRequest, userName string) *PipelineResponse {
	var input pipeline.MutationInput
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse record params", false)
	}
	if input.UserName == "" {
		input.UserName = userName
	}

	result, err := d.pipeline.RecordMutation(ctx, &input)
	if err != nil {
		return pipelineErrorToResponse(req.ID, err)
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleListEvents(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	var input ListEventsParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse events.list params", false)
	}

	result, err := d.pipeline.ListEvents(ctx, input.After, input.Limit)
	if err != nil {
		return pipelineErrorToResponse(req.ID, err)
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleUpsertSubscription(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	var input SubscriptionParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse subscriptions.upsert params", false)
	}

	result, err := d.pipeline.UpsertSubscription(ctx, input.ToSubscription())
	if err != nil {
		return pipelineErrorToResponse(req.ID, err)
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleListSubscriptions(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	result, err := d.pipeline.ListSubscriptions(ctx)
	if err != nil {
		return pipelineErrorToResponse(req.ID, err)
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleTriggerApp(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	if d.apps == nil {
		return errorResponse(req.ID, "INTERNAL_ERROR", "Application registry not configured", false)
	}
	var input TriggerAppParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse apps.trigger params", false)
	}
	if input.Ref == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "ref is required", false)
	}

	if err := d.apps.Trigger(ctx, input.Ref, input.Params); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", err.Error(), false)
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: map[string]interface{}{"triggered": input.Ref}}
}

func (d *Dispatcher) handleHealth(ctx context.Context, req *PipelineRequest) *PipelineResponse {
	out := HealthOutput{Status: "healthy"}
	if d.db != nil {
		if err := d.db.Ping(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - database ping failed: %v", logPrefix, err))
			out.Status = "degraded"
		} else {
			out.Checks.Database = true
		}
	}
	return &PipelineResponse{ID: req.ID, Ok: true, Result: out}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *PipelineResponse {
	return &PipelineResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func pipelineErrorToResponse(id string, err error) *PipelineResponse {
	if perr, ok := err.(*pipeline.PipelineError); ok {
		return &PipelineResponse{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      perr.Code,
				Message:   perr.Message,
				Details:   perr.Details,
				Retryable: perr.Code == pipeline.CodeInternalError,
			},
		}
	}
	return errorResponse(id, "INTERNAL_ERROR", err.Error(), true)
}
