// Package workflow is the narrow interface to the external governance
// workflow engine. The pipeline only emits orchestration messages after
// entity lifecycle events; it never executes workflow definitions itself.
package workflow

import (
	"context"
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-events/pkg/commsutil"
)

const orchestratorLogPrefix = "workflow:orchestrator"

// Action names the orchestration operations the engine accepts.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionSuspend Action = "suspend"
	ActionResume  Action = "resume"
	ActionTrigger Action = "trigger"
)

// Definition is an opaque workflow definition handed to the engine. Name
// identifies the workflow for later suspend/resume/trigger calls.
type Definition struct {
	Name string                 `json:"name"`
	Spec map[string]interface{} `json:"spec,omitempty"`
}

// Message is the wire shape of an orchestration message.
type Message struct {
	Action     Action                 `json:"action"`
	Name       string                 `json:"name"`
	Definition *Definition            `json:"definition,omitempty"`
	Vars       map[string]interface{} `json:"vars,omitempty"`
}

// Orchestrator sends orchestration messages to the workflow engine.
// Implementations are best-effort collaborators; callers treat failures as
// recoverable and never roll back the mutation that prompted the message.
type Orchestrator interface {
	Deploy(ctx context.Context, def Definition) error
	Suspend(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Trigger(ctx context.Context, name string, vars map[string]interface{}) error
}

// NoOpOrchestrator drops all orchestration messages.
type NoOpOrchestrator struct{}

func (NoOpOrchestrator) Deploy(context.Context, Definition) error { return nil }
func (NoOpOrchestrator) Suspend(context.Context, string) error    { return nil }
func (NoOpOrchestrator) Resume(context.Context, string) error     { return nil }
func (NoOpOrchestrator) Trigger(context.Context, string, map[string]interface{}) error {
	return nil
}

// CommsOrchestrator publishes orchestration messages to the workflow COMMS
// subject.
type CommsOrchestrator struct {
	nc      *comms.Conn
	subject string
}

// NewCommsOrchestrator creates an orchestrator publishing to subject, or to
// the default workflow subject when subject is empty.
func NewCommsOrchestrator(nc *comms.Conn, subject string) *CommsOrchestrator {
	if subject == "" {
		subject = commsutil.SubjectWorkflow
	}
	return &CommsOrchestrator{nc: nc, subject: subject}
}

// Deploy sends a deploy message carrying the full definition.
func (o *CommsOrchestrator) Deploy(ctx context.Context, def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%s - deploy requires a workflow name", orchestratorLogPrefix)
	}
	return o.publish(ctx, Message{Action: ActionDeploy, Name: def.Name, Definition: &def})
}

// Suspend sends a suspend message for a deployed workflow.
func (o *CommsOrchestrator) Suspend(ctx context.Context, name string) error {
	return o.publish(ctx, Message{Action: ActionSuspend, Name: name})
}

// Resume sends a resume message for a suspended workflow.
func (o *CommsOrchestrator) Resume(ctx context.Context, name string) error {
	return o.publish(ctx, Message{Action: ActionResume, Name: name})
}

// Trigger sends a trigger message with run variables.
func (o *CommsOrchestrator) Trigger(ctx context.Context, name string, vars map[string]interface{}) error {
	return o.publish(ctx, Message{Action: ActionTrigger, Name: name, Vars: vars})
}

func (o *CommsOrchestrator) publish(_ context.Context, msg Message) error {
	if msg.Name == "" {
		return fmt.Errorf("%s - %s requires a workflow name", orchestratorLogPrefix, msg.Action)
	}
	data, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("%s - failed to encode %s message: %w", orchestratorLogPrefix, msg.Action, err)
	}
	if err := o.nc.Publish(o.subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish %s message: %w", orchestratorLogPrefix, msg.Action, err)
	}
	return nil
}
