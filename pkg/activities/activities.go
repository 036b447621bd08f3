// Package activities holds every side effect of a node workflow: context
// persistence, definition lookups, node execution and return-control
// publishing. The workflow code only orchestrates them.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/nodeflow/pkg/abtest"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/script"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// PathSentinel marks a parameter value that is a JSONPath into the context.
const PathSentinel = "$."

// Definitions is the read side of the definition catalog.
type Definitions interface {
	Workflow(ctx context.Context, tenant, id, version string) (*models.Workflow, error)
	IssueMapping(ctx context.Context, tenant, issueID string) (*models.IssueMapping, error)
	EnumTables(ctx context.Context, tenant string, ids []string) map[string]any
}

type Activities struct {
	contexts    persistence.ContextStore
	definitions Definitions
	registry    *registry.Registry
	assigner    abtest.Assigner
	bus         eventbus.Bus
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Config struct {
	Contexts    persistence.ContextStore
	Definitions Definitions
	Registry    *registry.Registry
	Assigner    abtest.Assigner
	Bus         eventbus.Bus
	Tracer      trace.Tracer
}

func New(config Config, logger *slog.Logger) *Activities {
	assigner := config.Assigner
	if assigner == nil {
		assigner = abtest.HashAssigner{}
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("nodeflow")
	}

	return &Activities{
		contexts:    config.Contexts,
		definitions: config.Definitions,
		registry:    config.Registry,
		assigner:    assigner,
		bus:         config.Bus,
		tracer:      tracer,
		logger:      logger.With("module", "node_activities"),
	}
}

type InitializeRequest struct {
	WorkflowID string         `json:"workflowId"`
	Context    models.Context `json:"context,omitempty"`
	PerfTest   bool           `json:"perfTest,omitempty"`
}

// InitializeContext creates the instance's context document. A document left
// by an earlier attempt of this activity is kept.
func (a *Activities) InitializeContext(ctx context.Context, req InitializeRequest) error {
	doc := req.Context
	if doc == nil {
		doc = models.Context{}
	}

	for key := range doc {
		if models.IsReservedContextKey(key) {
			return classify(&models.DefinitionError{
				WorkflowID: req.WorkflowID,
				Err:        fmt.Errorf("%w: initial context uses %q", models.ErrContextKeyCollision, key),
			})
		}
	}

	if req.PerfTest {
		doc.SetPerfTest(true)
	}

	err := a.contexts.Create(ctx, req.WorkflowID, doc)
	if persistence.IsContextExists(err) {
		a.logger.InfoContext(ctx, "context already initialized", "workflow_id", req.WorkflowID)

		return nil
	}

	return err
}

type ResolveRequest struct {
	Tenant          string `json:"tenant"`
	WorkflowID      string `json:"workflowId,omitempty"`
	WorkflowVersion string `json:"workflowVersion,omitempty"`
	IssueID         string `json:"issueId,omitempty"`
	// Subject keys the A/B assignment, usually the instance id.
	Subject string `json:"subject"`
}

type Resolution struct {
	Workflow    *models.Workflow    `json:"workflow"`
	IssueDetail *models.IssueDetail `json:"issueDetail,omitempty"`
}

// ResolveWorkflow picks the graph for an instance: an explicit id wins,
// otherwise the issue mapping decides, through its experiment when it has one.
func (a *Activities) ResolveWorkflow(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	id, version, detail, err := a.route(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	wf, err := a.definitions.Workflow(ctx, req.Tenant, id, version)
	if err != nil {
		return nil, classify(err)
	}

	a.logger.InfoContext(ctx, "resolved workflow",
		"tenant", req.Tenant, "workflow", id, "version", wf.Version, "issue_id", req.IssueID)

	return &Resolution{Workflow: wf, IssueDetail: detail}, nil
}

func (a *Activities) route(ctx context.Context, req ResolveRequest) (string, string, *models.IssueDetail, error) {
	if req.WorkflowID != "" {
		return req.WorkflowID, req.WorkflowVersion, nil, nil
	}

	if req.IssueID == "" {
		return "", "", nil, &models.DefinitionError{Err: fmt.Errorf("%w: no workflow or issue given", models.ErrWorkflowNotFound)}
	}

	mapping, err := a.definitions.IssueMapping(ctx, req.Tenant, req.IssueID)
	if err != nil {
		return "", "", nil, &models.DefinitionError{Err: err}
	}

	detail := &models.IssueDetail{IssueID: req.IssueID}

	if mapping.Experiment == nil {
		return mapping.WorkflowID, mapping.WorkflowVersion, detail, nil
	}

	variant, err := a.assigner.Assign(mapping.Experiment, req.Subject)
	if err != nil {
		return "", "", nil, &models.DefinitionError{Err: fmt.Errorf("experiment %s: %w", mapping.Experiment.Name, err)}
	}

	detail.Experiment = mapping.Experiment.Name
	detail.Variant = variant.Name

	return variant.WorkflowID, variant.WorkflowVersion, detail, nil
}

type DisconnectedRequest struct {
	Tenant   string `json:"tenant"`
	IssueID  string `json:"issueId"`
	NodeName string `json:"nodeName"`
}

// ResolveDisconnectedNode finds a node by name in the workflow an issue maps to.
func (a *Activities) ResolveDisconnectedNode(ctx context.Context, req DisconnectedRequest) (*models.WorkflowNode, error) {
	resolution, err := a.ResolveWorkflow(ctx, ResolveRequest{Tenant: req.Tenant, IssueID: req.IssueID, Subject: req.IssueID})
	if err != nil {
		return nil, err
	}

	node, err := resolution.Workflow.Node(req.NodeName)
	if err != nil {
		return nil, classify(err)
	}

	return node, nil
}

type NodeRequest struct {
	WorkflowID string               `json:"workflowId"`
	Tenant     string               `json:"tenant"`
	Node       *models.WorkflowNode `json:"node"`
}

// ExecuteNode runs a node as a standard activity and returns the thin response.
func (a *Activities) ExecuteNode(ctx context.Context, req NodeRequest) (*models.ThinResponse, error) {
	return a.executeThin(ctx, req)
}

// ExecuteLocalNode is ExecuteNode for node types run as local activities.
func (a *Activities) ExecuteLocalNode(ctx context.Context, req NodeRequest) (*models.ThinResponse, error) {
	return a.executeThin(ctx, req)
}

// ExecuteNodeFull runs a node outside traversal and returns its raw payload.
func (a *Activities) ExecuteNodeFull(ctx context.Context, req NodeRequest) (*models.DisconnectedNodeResult, error) {
	response, err := a.execute(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	return &models.DisconnectedNodeResult{
		Node:    req.Node.InstanceName,
		Status:  response.Status,
		Payload: response.RawResponse,
	}, nil
}

func (a *Activities) executeThin(ctx context.Context, req NodeRequest) (*models.ThinResponse, error) {
	response, err := a.execute(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	return Project(req.Node, response)
}

// Project keeps what the state machine needs from a node response; an
// instruction payload becomes the view shown to the caller.
func Project(node *models.WorkflowNode, response *models.NodeResponse) (*models.ThinResponse, error) {
	thin := &models.ThinResponse{
		Status:      response.Status,
		NextNode:    response.NextNode,
		Disposition: response.Disposition,
	}

	if node.Type == models.NodeTypeInstruction {
		output, err := models.DecodeInstructionOutput(response.RawResponse)
		if err != nil {
			return nil, classify(&models.NodeExecutionError{Node: node.InstanceName, Type: node.Type, Err: err})
		}

		thin.View = &models.View{InputOptions: output.InputOptions, LayoutID: output.LayoutID}
	}

	if response.Status == models.StatusFailed {
		thin.ErrorMessage = response.Disposition
	}

	return thin, nil
}

func (a *Activities) execute(ctx context.Context, req NodeRequest) (*models.NodeResponse, error) {
	node := req.Node
	if node == nil {
		return nil, &models.DefinitionError{WorkflowID: req.WorkflowID, Err: models.ErrNodeNotFound}
	}

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "node."+strings.ToLower(string(node.Type)),
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.TenantKey, req.Tenant),
		attribute.String(otelhelper.NodeNameKey, node.InstanceName),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.String(otelhelper.NodeResourceKey, models.RowKey(node.ResourceID, node.ResourceVersion)),
	)
	defer span.End()

	logger := a.logger.With("workflow_id", req.WorkflowID, "node", node.InstanceName, "type", node.Type)

	response, err := a.run(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err, models.ErrorType(err))
		logger.ErrorContext(ctx, "node execution failed", "error", err, "error_type", models.ErrorType(err))

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.NodeStatusKey, string(response.Status)))
	logger.InfoContext(ctx, "node executed", "status", response.Status, "next_node", response.NextNode)

	return response, nil
}

func (a *Activities) run(ctx context.Context, req NodeRequest) (*models.NodeResponse, error) {
	node := req.Node

	doc, err := a.contexts.Load(ctx, req.WorkflowID)
	if persistence.IsContextNotFound(err) {
		return nil, &models.DefinitionError{WorkflowID: req.WorkflowID, Node: node.InstanceName, Err: err}
	}

	if err != nil {
		return nil, err
	}

	params, err := EvaluateParameters(doc, node.Parameters)
	if err != nil {
		return nil, &models.DefinitionError{WorkflowID: req.WorkflowID, Node: node.InstanceName, Err: err}
	}

	doc.MergeParameters(params)

	executor, err := a.registry.Executor(node.Type)
	if err != nil {
		return nil, &models.DefinitionError{
			WorkflowID: req.WorkflowID,
			Node:       node.InstanceName,
			Err:        fmt.Errorf("%w: %w", models.ErrUnknownNodeType, err),
		}
	}

	in := &nodes.Input{
		WorkflowID: req.WorkflowID,
		Tenant:     req.Tenant,
		Node:       node,
		Context:    doc,
	}

	if node.Definition != nil && len(node.Definition.Meta().EnumRefs) > 0 {
		in.Enums = a.definitions.EnumTables(ctx, req.Tenant, node.Definition.Meta().EnumRefs)
	}

	response, err := executor.Execute(ctx, in)
	if err != nil {
		return nil, err
	}

	patch := models.Context{}

	for key, value := range response.ContextPatch {
		patch[key] = value
	}

	err = patch.MergeNodeOutput(node.ContextKey(), response.RawResponse)
	if err != nil {
		return nil, &models.DefinitionError{WorkflowID: req.WorkflowID, Node: node.InstanceName, Err: err}
	}

	if len(params) > 0 {
		patch[models.ContextKeyParams] = doc[models.ContextKeyParams]
	}

	err = a.contexts.Merge(ctx, req.WorkflowID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to store output of %s: %w", node.InstanceName, err)
	}

	return response, nil
}

// EvaluateParameters resolves instance parameters against the context: values
// starting with PathSentinel are JSONPath lookups, anything else is literal.
func EvaluateParameters(doc models.Context, parameters map[string]string) (map[string]any, error) {
	if len(parameters) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(parameters))

	for name, value := range parameters {
		if !strings.HasPrefix(value, PathSentinel) {
			out[name] = value

			continue
		}

		resolved, err := script.QueryPath(map[string]any(doc), value)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}

		out[name] = resolved
	}

	return out, nil
}

type ResumeRequest struct {
	WorkflowID string         `json:"workflowId"`
	NodeKey    string         `json:"nodeKey"`
	Response   map[string]any `json:"response"`
}

// MergeResume stores the caller's answer next to the payload of the node it
// answers, under "response".
func (a *Activities) MergeResume(ctx context.Context, req ResumeRequest) error {
	if req.NodeKey == "" || models.IsReservedContextKey(req.NodeKey) {
		return classify(&models.DefinitionError{
			WorkflowID: req.WorkflowID,
			Err:        fmt.Errorf("%w: cannot resume into %q", models.ErrContextKeyCollision, req.NodeKey),
		})
	}

	doc, err := a.contexts.Load(ctx, req.WorkflowID)
	if persistence.IsContextNotFound(err) {
		return classify(&models.DefinitionError{WorkflowID: req.WorkflowID, Err: err})
	}

	if err != nil {
		return err
	}

	slot := map[string]any{}

	if current, ok := doc[req.NodeKey].(map[string]any); ok {
		for k, v := range current {
			slot[k] = v
		}
	}

	slot["response"] = req.Response

	return a.contexts.Merge(ctx, req.WorkflowID, models.Context{req.NodeKey: slot})
}

// PublishReturnControl releases the caller waiting on the instance.
func (a *Activities) PublishReturnControl(ctx context.Context, msg models.ReturnControl) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return classify(err)
	}

	err = a.bus.Publish(ctx, models.ReturnControlChannel(msg.WorkflowID), payload)
	if err != nil {
		return fmt.Errorf("failed to publish return control for %s: %w", msg.WorkflowID, err)
	}

	a.logger.DebugContext(ctx, "published return control", "workflow_id", msg.WorkflowID, "status", msg.Status)

	return nil
}

// LoadContext returns the context document of an instance.
func (a *Activities) LoadContext(ctx context.Context, workflowID string) (models.Context, error) {
	doc, err := a.contexts.Load(ctx, workflowID)
	if errors.Is(err, persistence.ErrContextNotFound) {
		return nil, classify(&models.DefinitionError{WorkflowID: workflowID, Err: err})
	}

	return doc, err
}

type OutputRequest struct {
	WorkflowID string `json:"workflowId"`
	Key        string `json:"key"`
	Value      any    `json:"value"`
}

// StoreNodeOutput writes a payload the workflow produced itself, such as the
// final state of a child instance, under a node's context key.
func (a *Activities) StoreNodeOutput(ctx context.Context, req OutputRequest) error {
	patch := models.Context{}

	err := patch.MergeNodeOutput(req.Key, req.Value)
	if err != nil {
		return classify(&models.DefinitionError{WorkflowID: req.WorkflowID, Node: req.Key, Err: err})
	}

	return a.contexts.Merge(ctx, req.WorkflowID, patch)
}
