// Package workflow runs node graphs as durable Temporal workflows: the state
// machine that walks a graph, suspends on instructions and waits, and the
// client used to start and steer instances.
package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/nodeflow/pkg/activities"
	"github.com/dukex/nodeflow/pkg/models"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	temporalwf "go.temporal.io/sdk/workflow"
)

const (
	WorkflowName       = "NodeWorkflow"
	SignalResume       = "resume"
	SignalTerminate    = "terminate"
	QueryState         = "state"
	UpdateDisconnected = "executeDisconnectedNode"

	failureErrorType = "WorkflowFailed"
)

var ErrNotSuspended = errors.New("instance is not suspended")

// StartRequest is the input of a node workflow. WorkflowID names the graph to
// run; when empty the graph is routed through IssueID.
type StartRequest struct {
	Tenant          string         `json:"tenant"`
	WorkflowID      string         `json:"workflowId,omitempty"`
	WorkflowVersion string         `json:"workflowVersion,omitempty"`
	IssueID         string         `json:"issueId,omitempty"`
	IncidentID      string         `json:"incidentId,omitempty"`
	Context         models.Context `json:"context,omitempty"`
	PerfTest        bool           `json:"perfTest,omitempty"`
}

// ResumeRequest wakes a suspended instance. ViewResponse is the human answer
// to an instruction and is stored under the waiting node's context key;
// NodeKey, when set, must match that key. Scheduled resumes come from the
// wait scheduler and must name the node they were scheduled for.
type ResumeRequest struct {
	NodeKey      string         `json:"nodeKey,omitempty"`
	ViewResponse map[string]any `json:"viewResponse,omitempty"`
	Scheduled    bool           `json:"scheduled,omitempty"`
}

type DisconnectedNodeRequest struct {
	IssueID  string `json:"issueId,omitempty"`
	NodeName string `json:"nodeName"`
}

// Runner holds what every node workflow execution shares.
type Runner struct {
	acts    *activities.Activities
	options Options
}

func NewRunner(acts *activities.Activities, options Options) *Runner {
	return &Runner{acts: acts, options: options}
}

type instance struct {
	runner  *Runner
	req     StartRequest
	state   *models.WorkflowState
	graph   *models.Workflow
	current *models.WorkflowNode
	// early holds a scheduled resume for the current node that fired before
	// the node suspended.
	early    bool
	resuming bool
	logger   log.Logger
}

// NodeWorkflow walks the resolved graph from its start node until a node ends
// the instance or the graph runs out of successors.
func (r *Runner) NodeWorkflow(ctx temporalwf.Context, req StartRequest) (*models.WorkflowState, error) {
	in := &instance{
		runner: r,
		req:    req,
		state: &models.WorkflowState{
			WorkflowID: temporalwf.GetInfo(ctx).WorkflowExecution.ID,
			IncidentID: req.IncidentID,
			Status:     models.StatusCreated,
		},
		logger: temporalwf.GetLogger(ctx),
	}

	err := in.register(ctx)
	if err != nil {
		return nil, err
	}

	return in.run(ctx)
}

func (in *instance) register(ctx temporalwf.Context) error {
	err := temporalwf.SetQueryHandler(ctx, QueryState, func() (*models.WorkflowState, error) {
		snapshot := *in.state

		return &snapshot, nil
	})
	if err != nil {
		return fmt.Errorf("failed to register state query: %w", err)
	}

	err = temporalwf.SetUpdateHandler(ctx, UpdateDisconnected, in.executeDisconnected)
	if err != nil {
		return fmt.Errorf("failed to register disconnected node update: %w", err)
	}

	temporalwf.Go(ctx, in.listen)

	return nil
}

func (in *instance) listen(ctx temporalwf.Context) {
	resume := temporalwf.GetSignalChannel(ctx, SignalResume)
	terminate := temporalwf.GetSignalChannel(ctx, SignalTerminate)

	for {
		selector := temporalwf.NewSelector(ctx)

		selector.AddReceive(resume, func(c temporalwf.ReceiveChannel, _ bool) {
			var req ResumeRequest

			c.Receive(ctx, &req)
			in.resume(ctx, req)
		})

		selector.AddReceive(terminate, func(c temporalwf.ReceiveChannel, _ bool) {
			c.Receive(ctx, nil)
			in.terminate()
		})

		selector.Select(ctx)
	}
}

func (in *instance) resume(ctx temporalwf.Context, req ResumeRequest) {
	if req.Scheduled && in.current != nil && in.state.Status == models.StatusRunning &&
		req.NodeKey == in.current.InstanceName {
		in.logger.Info("Scheduled resume arrived before suspension", "node", req.NodeKey)
		in.early = true

		return
	}

	if !in.state.Status.Suspended() || in.current == nil || in.resuming {
		in.logger.Warn("Ignoring resume", "status", in.state.Status, "node_key", req.NodeKey)

		return
	}

	if req.Scheduled {
		if req.NodeKey != in.current.InstanceName {
			in.logger.Warn("Ignoring stale scheduled resume", "node", req.NodeKey, "current", in.current.InstanceName)

			return
		}

		in.state.Status = models.StatusRunning

		return
	}

	key := in.current.ContextKey()
	if req.NodeKey != "" && req.NodeKey != key {
		in.logger.Warn("Ignoring resume for another node", "node_key", req.NodeKey, "current", key)

		return
	}

	if req.ViewResponse != nil {
		in.resuming = true

		err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.MergeResume, activities.ResumeRequest{
			WorkflowID: in.state.WorkflowID,
			NodeKey:    key,
			Response:   req.ViewResponse,
		}).Get(ctx, nil)

		in.resuming = false

		if err != nil {
			in.logger.Error("Failed to store resume response", "node_key", key, "error", err)

			return
		}
	}

	// A terminate may have landed while the response was being stored.
	if in.state.Status.Suspended() {
		in.state.Status = models.StatusRunning
	}
}

func (in *instance) terminate() {
	if in.state.Status.Terminal() {
		return
	}

	in.logger.Info("Terminating instance", "status", in.state.Status)
	in.state.Status = models.StatusTerminated
}

func (in *instance) run(ctx temporalwf.Context) (*models.WorkflowState, error) {
	err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.InitializeContext, activities.InitializeRequest{
		WorkflowID: in.state.WorkflowID,
		Context:    in.req.Context,
		PerfTest:   in.req.PerfTest,
	}).Get(ctx, nil)
	if err != nil {
		return in.fail(ctx, err)
	}

	var resolution activities.Resolution

	err = temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.ResolveWorkflow, activities.ResolveRequest{
		Tenant:          in.req.Tenant,
		WorkflowID:      in.req.WorkflowID,
		WorkflowVersion: in.req.WorkflowVersion,
		IssueID:         in.req.IssueID,
		Subject:         in.state.WorkflowID,
	}).Get(ctx, &resolution)
	if err != nil {
		return in.fail(ctx, err)
	}

	in.graph = resolution.Workflow
	in.state.IssueDetail = resolution.IssueDetail

	if in.state.Status == models.StatusTerminated {
		return in.stop(ctx)
	}

	in.state.Status = models.StatusRunning

	in.logger.Info("Starting traversal", "workflow", in.graph.ID, "version", in.graph.Version, "start_node", in.graph.StartNode)

	next := in.graph.StartNode
	recovering := false

	for next != "" {
		if in.state.Status == models.StatusTerminated {
			return in.stop(ctx)
		}

		node, err := in.graph.Node(next)
		if err != nil {
			return in.fail(ctx, err)
		}

		in.current = node
		in.early = false
		in.state.CurrentNodeRef = node.InstanceName

		thin, err := in.execute(ctx, node)
		if err != nil {
			if in.graph.DefaultFailureNode != "" && !recovering {
				in.logger.Warn("Node failed, routing to default failure node",
					"node", node.InstanceName, "failure_node", in.graph.DefaultFailureNode, "error", err)

				in.state.ErrorMessage = err.Error()
				recovering = true
				next = in.graph.DefaultFailureNode

				continue
			}

			return in.fail(ctx, err)
		}

		in.logger.Info("Node finished", "node", node.InstanceName, "status", thin.Status, "next_node", thin.NextNode)

		switch thin.Status {
		case models.StatusRunning:
			next = thin.NextNode
			if node.End {
				next = ""
			}

		case models.StatusWaiting, models.StatusSchedulerWaiting:
			err = in.suspend(ctx, node, thin)
			if err != nil {
				return in.fail(ctx, err)
			}

			if in.state.Status == models.StatusTerminated {
				return in.stop(ctx)
			}

			next = thin.NextNode

		case models.StatusCompleted:
			return in.complete(ctx, thin)

		case models.StatusFailed:
			return in.fail(ctx, errors.New(thin.ErrorMessage))

		case models.StatusDelegated, models.StatusAsyncComplete:
			in.state.Status = thin.Status
			in.state.Disposition = thin.Disposition
			in.returnControl(ctx)

			return in.snapshot(), nil

		default:
			return in.fail(ctx, fmt.Errorf("node %s reported unexpected status %q", node.InstanceName, thin.Status))
		}
	}

	return in.complete(ctx, &models.ThinResponse{Status: models.StatusCompleted})
}

func (in *instance) execute(ctx temporalwf.Context, node *models.WorkflowNode) (*models.ThinResponse, error) {
	if node.Type == models.NodeTypeChildInvoke {
		return in.invokeChild(ctx, node)
	}

	req := activities.NodeRequest{
		WorkflowID: in.state.WorkflowID,
		Tenant:     in.req.Tenant,
		Node:       node,
	}

	var (
		thin models.ThinResponse
		err  error
	)

	if TierOf(node.Type) == TierLocal {
		err = temporalwf.ExecuteLocalActivity(in.local(ctx), in.runner.acts.ExecuteLocalNode, req).Get(ctx, &thin)
	} else {
		err = temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.ExecuteNode, req).Get(ctx, &thin)
	}

	if err != nil {
		return nil, err
	}

	return &thin, nil
}

func (in *instance) invokeChild(ctx temporalwf.Context, node *models.WorkflowNode) (*models.ThinResponse, error) {
	def, ok := node.Definition.(*models.ChildInvokeNode)
	if !ok || def.ChildWorkflowID == nil {
		return nil, &models.DefinitionError{
			WorkflowID: in.graph.ID,
			Node:       node.InstanceName,
			Err:        models.ErrNodeTypeMismatch,
		}
	}

	var doc models.Context

	err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.LoadContext, in.state.WorkflowID).Get(ctx, &doc)
	if err != nil {
		return nil, err
	}

	child := StartRequest{
		Tenant:     in.req.Tenant,
		WorkflowID: *def.ChildWorkflowID,
		IncidentID: in.state.IncidentID,
		Context:    shareable(doc),
		PerfTest:   doc.PerfTest(),
	}

	if def.ChildWorkflowVersion != nil {
		child.WorkflowVersion = *def.ChildWorkflowVersion
	}

	mode := models.SpawnSync
	if def.SpawnMode != nil {
		mode = *def.SpawnMode
	}

	childCtx := temporalwf.WithChildOptions(ctx, temporalwf.ChildWorkflowOptions{
		WorkflowID:        ChildInstanceID(in.state.WorkflowID, node.InstanceName),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
	})

	future := temporalwf.ExecuteChildWorkflow(childCtx, WorkflowName, child)

	var execution temporalwf.Execution

	err = future.GetChildWorkflowExecution().Get(ctx, &execution)
	if err != nil {
		return nil, err
	}

	in.logger.Info("Started child instance", "node", node.InstanceName, "child", execution.ID, "mode", mode)

	if mode == models.SpawnAsync {
		err = in.store(ctx, node, map[string]any{"childWorkflowId": execution.ID, "runId": execution.RunID})
		if err != nil {
			return nil, err
		}

		return &models.ThinResponse{Status: models.StatusAsyncComplete, NextNode: node.NextNode}, nil
	}

	var state models.WorkflowState

	err = future.Get(ctx, &state)
	if err != nil {
		return nil, err
	}

	err = in.store(ctx, node, state)
	if err != nil {
		return nil, err
	}

	return &models.ThinResponse{Status: models.StatusRunning, NextNode: node.NextNode}, nil
}

func (in *instance) store(ctx temporalwf.Context, node *models.WorkflowNode, value any) error {
	return temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.StoreNodeOutput, activities.OutputRequest{
		WorkflowID: in.state.WorkflowID,
		Key:        node.ContextKey(),
		Value:      value,
	}).Get(ctx, nil)
}

// suspend parks the instance until a resume or terminate signal moves it out
// of its waiting status.
func (in *instance) suspend(ctx temporalwf.Context, node *models.WorkflowNode, thin *models.ThinResponse) error {
	if in.state.Status == models.StatusTerminated {
		return nil
	}

	in.state.Status = thin.Status
	in.state.View = thin.View

	if thin.Disposition != "" {
		in.state.Disposition = thin.Disposition
	}

	in.returnControl(ctx)

	in.logger.Info("Instance suspended", "node", node.InstanceName, "status", thin.Status)

	if in.early {
		in.early = false
		in.state.Status = models.StatusRunning
	}

	err := temporalwf.Await(ctx, func() bool {
		return !in.state.Status.Suspended()
	})

	in.state.View = nil

	return err
}

func (in *instance) complete(ctx temporalwf.Context, thin *models.ThinResponse) (*models.WorkflowState, error) {
	in.state.Status = models.StatusCompleted

	if thin.Disposition != "" {
		in.state.Disposition = thin.Disposition
	}

	in.returnControl(ctx)

	for _, name := range in.graph.PostWorkflowCompletionNodes {
		node, err := in.graph.Node(name)
		if err != nil {
			in.logger.Warn("Skipping post completion node", "node", name, "error", err)

			continue
		}

		_, err = in.execute(ctx, node)
		if err != nil {
			in.logger.Warn("Post completion node failed", "node", name, "error", err)
		}
	}

	in.logger.Info("Instance completed", "disposition", in.state.Disposition)

	return in.snapshot(), nil
}

func (in *instance) fail(ctx temporalwf.Context, cause error) (*models.WorkflowState, error) {
	in.state.Status = models.StatusFailed
	in.state.ErrorMessage = cause.Error()
	in.state.View = nil

	in.logger.Error("Instance failed", "node", in.state.CurrentNodeRef, "error", cause)

	in.returnControl(ctx)

	return nil, temporal.NewNonRetryableApplicationError(in.state.ErrorMessage, failureErrorType, cause)
}

func (in *instance) stop(ctx temporalwf.Context) (*models.WorkflowState, error) {
	in.state.View = nil
	in.returnControl(ctx)

	return in.snapshot(), nil
}

// returnControl releases the caller. Delivery is best effort.
func (in *instance) returnControl(ctx temporalwf.Context) {
	msg := models.ReturnControl{
		WorkflowID:   in.state.WorkflowID,
		Status:       in.state.Status,
		View:         in.state.View,
		Disposition:  in.state.Disposition,
		ErrorMessage: in.state.ErrorMessage,
	}

	err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.PublishReturnControl, msg).Get(ctx, nil)
	if err != nil {
		in.logger.Warn("Failed to publish return control", "status", msg.Status, "error", err)
	}
}

func (in *instance) executeDisconnected(ctx temporalwf.Context, req DisconnectedNodeRequest) (*models.DisconnectedNodeResult, error) {
	if req.NodeName == "" {
		return nil, temporal.NewNonRetryableApplicationError("node name is required", "InvalidRequest", nil)
	}

	var node *models.WorkflowNode

	if req.IssueID == "" && in.graph != nil {
		found, err := in.graph.Node(req.NodeName)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "DefinitionError", err)
		}

		node = found
	} else {
		issue := req.IssueID
		if issue == "" && in.state.IssueDetail != nil {
			issue = in.state.IssueDetail.IssueID
		}

		resolved := &models.WorkflowNode{}

		err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.ResolveDisconnectedNode, activities.DisconnectedRequest{
			Tenant:   in.req.Tenant,
			IssueID:  issue,
			NodeName: req.NodeName,
		}).Get(ctx, resolved)
		if err != nil {
			return nil, err
		}

		node = resolved
	}

	var result models.DisconnectedNodeResult

	err := temporalwf.ExecuteActivity(in.standard(ctx), in.runner.acts.ExecuteNodeFull, activities.NodeRequest{
		WorkflowID: in.state.WorkflowID,
		Tenant:     in.req.Tenant,
		Node:       node,
	}).Get(ctx, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (in *instance) snapshot() *models.WorkflowState {
	snapshot := *in.state

	return &snapshot
}

func (in *instance) local(ctx temporalwf.Context) temporalwf.Context {
	return temporalwf.WithLocalActivityOptions(ctx, in.runner.options.Local)
}

func (in *instance) standard(ctx temporalwf.Context) temporalwf.Context {
	return temporalwf.WithActivityOptions(ctx, in.runner.options.Standard)
}

// ChildInstanceID names the instance a CHILD_INVOKE node starts.
func ChildInstanceID(parent, node string) string {
	return parent + "/" + node
}

// shareable drops reserved keys so the child starts from business data only.
func shareable(doc models.Context) models.Context {
	out := make(models.Context, len(doc))

	for key, value := range doc {
		if models.IsReservedContextKey(key) {
			continue
		}

		out[key] = value
	}

	return out
}
