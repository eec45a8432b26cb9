package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

func newTestDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[string]func(context.Context) error)}
}

func TestWorkflowRunsRegisteredTask(t *testing.T) {
	d := newTestDispatcher()
	taskID := "task-1"
	ran := false
	d.pending[taskID] = func(context.Context) error {
		ran = true
		return nil
	}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(d.runActivity, activity.RegisterOptions{Name: activityName})
	env.RegisterWorkflowWithOptions(d.workflow, workflow.RegisterOptions{Name: workflowName})

	env.ExecuteWorkflow(d.workflow, taskID)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.True(t, ran)
}

func TestWorkflowPropagatesActivityError(t *testing.T) {
	d := newTestDispatcher()
	taskID := "task-2"
	d.pending[taskID] = func(context.Context) error {
		return errors.New("boom")
	}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(d.runActivity, activity.RegisterOptions{Name: activityName})
	env.RegisterWorkflowWithOptions(d.workflow, workflow.RegisterOptions{Name: workflowName})

	env.ExecuteWorkflow(d.workflow, taskID)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestRunActivityRejectsUnknownTask(t *testing.T) {
	d := newTestDispatcher()
	err := d.runActivity(context.Background(), "missing")
	require.Error(t, err)
}
