// Package fulfillment re-runs artifact compilation and label issuance for an
// order on operator request, either in-process or as a Temporal workflow.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/fulfillment/internal/artifact"
	"example.com/fulfillment/internal/label"
)

const (
	taskQueue             = "fulfillment-task-queue"
	refulfillWorkflowName = "fulfillment.refulfill"
	compileActivityName   = "fulfillment.compile"
	labelActivityName     = "fulfillment.label"
)

type Compiler interface {
	Compile(ctx context.Context, orderID string, artwork []byte) (artifact.Result, error)
}

type Labeler interface {
	Issue(ctx context.Context, orderID string) (label.Outcome, error)
}

// Orchestrator runs a re-fulfillment and waits for its result.
type Orchestrator interface {
	Refulfill(ctx context.Context, input RefulfillInput) (RefulfillResult, error)
}

// Activities hosts the step implementations shared by both orchestrators.
type Activities struct {
	compiler Compiler
	labeler  Labeler
	logger   *slog.Logger
}

func NewActivities(compiler Compiler, labeler Labeler, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{compiler: compiler, labeler: labeler, logger: logger.With("component", "fulfillment.activities")}
}

// CompileActivity re-renders and re-uploads the artifact bundle. The artwork
// is fetched again from the order's artwork URL.
func (a *Activities) CompileActivity(ctx context.Context, input RefulfillInput) (StepSummary, error) {
	if a.compiler == nil {
		return StepSummary{Error: "compiler not configured"}, nil
	}
	res, err := a.compiler.Compile(ctx, input.OrderID, nil)
	if err != nil {
		a.logger.Error("activity compile failed", "order_id", input.OrderID, "error", err, "reason", input.Reason)
		return StepSummary{Keys: res.Keys, Error: err.Error()}, nil
	}
	detail := "compiled"
	if res.ArtworkMissing {
		detail = "compiled_without_artwork"
	}
	a.logger.Info("activity compile", "order_id", input.OrderID, "marked", res.Marked, "reason", input.Reason)
	return StepSummary{OK: true, Detail: detail, Keys: res.Keys}, nil
}

func (a *Activities) LabelActivity(ctx context.Context, input RefulfillInput) (StepSummary, error) {
	if a.labeler == nil {
		return StepSummary{Error: "label issuer not configured"}, nil
	}
	outcome, err := a.labeler.Issue(ctx, input.OrderID)
	if err != nil {
		a.logger.Error("activity label failed", "order_id", input.OrderID, "error", err, "reason", input.Reason)
		return StepSummary{Error: err.Error()}, nil
	}
	a.logger.Info("activity label", "order_id", input.OrderID, "outcome", outcome, "reason", input.Reason)
	return StepSummary{OK: true, Detail: string(outcome)}, nil
}

func validate(input RefulfillInput) error {
	if input.OrderID == "" {
		return errors.New("order_id required")
	}
	if !input.Recompile && !input.Relabel {
		return errors.New("nothing to do: set recompile or relabel")
	}
	return nil
}

// RefulfillWorkflow runs compile then label. Each step runs once; a failed
// compile does not stop the label step.
func RefulfillWorkflow(ctx workflow.Context, input RefulfillInput) (RefulfillResult, error) {
	logger := workflow.GetLogger(ctx)
	if err := validate(input); err != nil {
		return RefulfillResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	result := RefulfillResult{OrderID: input.OrderID, StartedAt: workflow.Now(ctx)}
	logger.Info("refulfill workflow started", "order_id", input.OrderID, "recompile", input.Recompile, "relabel", input.Relabel, "reason", input.Reason)

	if input.Recompile {
		var summary StepSummary
		if err := workflow.ExecuteActivity(ctx, compileActivityName, input).Get(ctx, &summary); err != nil {
			logger.Error("compile activity failed", "error", err)
			summary = StepSummary{Error: err.Error()}
		}
		result.Compile = &summary
	}

	if input.Relabel {
		var summary StepSummary
		if err := workflow.ExecuteActivity(ctx, labelActivityName, input).Get(ctx, &summary); err != nil {
			logger.Error("label activity failed", "error", err)
			summary = StepSummary{Error: err.Error()}
		}
		result.Label = &summary
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("refulfill workflow finished", "order_id", input.OrderID, "failed", result.Failed())
	return result, nil
}

// RegisterWorker wires up the Temporal worker consuming the fulfillment task
// queue.
func RegisterWorker(c client.Client, activities *Activities) temporalworker.Worker {
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(RefulfillWorkflow, workflow.RegisterOptions{Name: refulfillWorkflowName})
	w.RegisterActivityWithOptions(activities.CompileActivity, activity.RegisterOptions{Name: compileActivityName})
	w.RegisterActivityWithOptions(activities.LabelActivity, activity.RegisterOptions{Name: labelActivityName})
	return w
}

// TaskQueue exposes the queue name for the worker binary and tests.
func TaskQueue() string {
	return taskQueue
}

// TemporalOrchestrator starts re-fulfillment workflows through the Temporal
// client.
type TemporalOrchestrator struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalOrchestrator(c client.Client, logger *slog.Logger) *TemporalOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemporalOrchestrator{client: c, logger: logger.With("component", "fulfillment.orchestrator")}
}

func (o *TemporalOrchestrator) Refulfill(ctx context.Context, input RefulfillInput) (RefulfillResult, error) {
	if err := validate(input); err != nil {
		return RefulfillResult{}, err
	}
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("refulfill-%s-%d", input.OrderID, time.Now().UnixNano()),
		TaskQueue:                taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 10 * time.Minute,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, refulfillWorkflowName, input)
	if err != nil {
		o.logger.Error("start workflow failed", "order_id", input.OrderID, "error", err)
		return RefulfillResult{}, err
	}
	var result RefulfillResult
	err = we.Get(ctx, &result)
	result.WorkflowID = we.GetID()
	result.RunID = we.GetRunID()
	if err != nil {
		o.logger.Error("wait workflow failed", "workflow_id", result.WorkflowID, "error", err)
		return result, err
	}
	o.logger.Info("workflow completed", "workflow_id", result.WorkflowID, "run_id", result.RunID, "order_id", input.OrderID, "failed", result.Failed())
	return result, nil
}

// DirectOrchestrator runs the same activities in-process when no Temporal
// host is configured.
type DirectOrchestrator struct {
	activities *Activities
	now        func() time.Time
}

func NewDirectOrchestrator(activities *Activities) *DirectOrchestrator {
	return &DirectOrchestrator{activities: activities, now: time.Now}
}

func (o *DirectOrchestrator) Refulfill(ctx context.Context, input RefulfillInput) (RefulfillResult, error) {
	if err := validate(input); err != nil {
		return RefulfillResult{}, err
	}
	result := RefulfillResult{OrderID: input.OrderID, StartedAt: o.now().UTC()}
	if input.Recompile {
		summary, _ := o.activities.CompileActivity(ctx, input)
		result.Compile = &summary
	}
	if input.Relabel {
		summary, _ := o.activities.LabelActivity(ctx, input)
		result.Label = &summary
	}
	result.CompletedAt = o.now().UTC()
	return result, nil
}
