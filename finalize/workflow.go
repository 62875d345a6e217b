package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"soaflow/soa"
)

const (
	TaskQueue = "SOA_FINALIZE_TASK_QUEUE"

	errTypeNotFinalizable = "NotFinalizable"
)

// SOAFinalizer is satisfied by *soa.Service.
type SOAFinalizer interface {
	Finalize(ctx context.Context, id string) (soa.Record, error)
}

type Activities struct {
	Finalizer SOAFinalizer
}

// FinalizeSOA finalizes one record. Records that can no longer be finalized
// fail without retry.
func (a *Activities) FinalizeSOA(ctx context.Context, soaID string) (string, error) {
	rec, err := a.Finalizer.Finalize(ctx, soaID)
	if err != nil {
		if errors.Is(err, soa.ErrInvalidTransition) || errors.Is(err, soa.ErrNotFound) {
			return "", temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotFinalizable, err)
		}
		return "", err
	}
	return string(rec.Status), nil
}

// FinalizeSOAWorkflow retries FinalizeSOA with exponential backoff until the
// record completes or stops being finalizable.
func FinalizeSOAWorkflow(ctx workflow.Context, soaID string) (string, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("finalize workflow started", "soaID", soaID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Minute,
			MaximumAttempts:        25,
			NonRetryableErrorTypes: []string{errTypeNotFinalizable},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var status string
	if err := workflow.ExecuteActivity(ctx, "FinalizeSOA", soaID).Get(ctx, &status); err != nil {
		logger.Error("finalize failed", "soaID", soaID, "error", err)
		return "", err
	}
	logger.Info("finalize workflow done", "soaID", soaID, "status", status)
	return status, nil
}

// WorkflowStarter is the part of client.Client the scheduler needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalScheduler implements soa.RetryScheduler. One workflow runs per SOA
// at a time; scheduling while one is running is a no-op.
type TemporalScheduler struct {
	client    WorkflowStarter
	taskQueue string
}

func NewTemporalScheduler(c WorkflowStarter) *TemporalScheduler {
	return &TemporalScheduler{client: c, taskQueue: TaskQueue}
}

func WorkflowID(soaID string) string {
	return "soa-finalize-" + soaID
}

func (s *TemporalScheduler) ScheduleFinalize(ctx context.Context, soaID string) error {
	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(soaID),
		TaskQueue:                                s.taskQueue,
		WorkflowExecutionTimeout:                 24 * time.Hour,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	_, err := s.client.ExecuteWorkflow(ctx, opts, FinalizeSOAWorkflow, soaID)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil
		}
		return fmt.Errorf("finalize: schedule %s: %w", soaID, err)
	}
	return nil
}
