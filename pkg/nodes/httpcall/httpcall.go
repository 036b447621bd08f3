// Package httpcall executes HTTP nodes: resolve the request, call out through
// the pooled executor, then shape the response with the node transformer.
package httpcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/nodeflow/pkg/auth"
	"github.com/dukex/nodeflow/pkg/httpexec"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/script"
)

const PerfTestHeader = "X-Perf-Test"

type Executor struct {
	resolver *script.Resolver
	http     httpexec.Executor
	tokens   auth.TokenProvider
	logger   *slog.Logger
}

// New creates the HTTP node executor; tokens may be nil when no target
// client needs authentication.
func New(resolver *script.Resolver, executor httpexec.Executor, tokens auth.TokenProvider, logger *slog.Logger) *Executor {
	return &Executor{
		resolver: resolver,
		http:     executor,
		tokens:   tokens,
		logger:   logger.With("module", "http_node"),
	}
}

func (e *Executor) Type() models.NodeType { return models.NodeTypeHTTP }

func (e *Executor) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.HTTPNode](in)
	if err != nil {
		return nil, err
	}

	details, err := e.resolver.ResolveHTTP(ctx, def.Request, in.Version(), in.Binding(nil))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(details.Headers)+2)
	for k, v := range details.Headers {
		headers[k] = v
	}

	if in.Context.PerfTest() {
		headers[PerfTestHeader] = "true"
	}

	if details.TargetClientID != "" {
		if e.tokens == nil {
			return nil, nodes.Fail(in, fmt.Errorf("%w: %s", auth.ErrUnknownClient, details.TargetClientID))
		}

		token, err := e.tokens.Token(ctx, details.TargetClientID)
		if errors.Is(err, auth.ErrUnknownClient) {
			return nil, nodes.Fail(in, err)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to get token for %s: %w", details.TargetClientID, err)
		}

		headers["Authorization"] = "Bearer " + token
	}

	response, err := e.http.Execute(ctx, &httpexec.Request{
		Method:      details.Method,
		URL:         details.URL,
		Headers:     headers,
		Query:       details.QueryParams,
		Body:        details.Body,
		ContentType: details.ContentType,
		Timeout:     details.Timeout,
	})
	if err != nil {
		var httpErr *httpexec.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return nil, nodes.Fail(in, err)
		}

		if errors.Is(err, httpexec.ErrInvalidRequest) {
			return nil, nodes.Fail(in, err)
		}

		return nil, err
	}

	raw := response

	if def.Transformer != nil {
		out, err := e.resolver.ResolveTransformer(ctx, def.Transformer, in.Version(),
			in.Binding(map[string]any{models.ContextKeyHTTPResponse: response}))
		if err != nil {
			return nil, err
		}

		raw = out.Output
	}

	e.logger.DebugContext(ctx, "http node finished", "workflow_id", in.WorkflowID, "node", in.Node.InstanceName)

	return &models.NodeResponse{
		Status:      models.StatusRunning,
		RawResponse: raw,
		NextNode:    in.Node.NextNode,
	}, nil
}
