package registry

import (
	"github.com/dukex/nodeflow/pkg/auth"
	"github.com/dukex/nodeflow/pkg/httpexec"
	"github.com/dukex/nodeflow/pkg/nodes/branch"
	"github.com/dukex/nodeflow/pkg/nodes/httpcall"
	"github.com/dukex/nodeflow/pkg/nodes/instruction"
	"github.com/dukex/nodeflow/pkg/nodes/terminal"
	"github.com/dukex/nodeflow/pkg/nodes/transform"
	"github.com/dukex/nodeflow/pkg/nodes/wait"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/dukex/nodeflow/pkg/script"
)

// Dependencies are the collaborators the built-in executors need.
// Tokens may be nil.
type Dependencies struct {
	Resolver  *script.Resolver
	HTTP      httpexec.Executor
	Tokens    auth.TokenProvider
	Scheduler scheduler.Scheduler
}

// RegisterDefaultNodes registers an executor for every node type except
// CHILD_INVOKE, which the workflow runs as a child workflow.
func (r *Registry) RegisterDefaultNodes(deps Dependencies) error {
	return r.Register(
		httpcall.New(deps.Resolver, deps.HTTP, deps.Tokens, r.logger),
		transform.NewTransform(deps.Resolver),
		transform.NewContextOverride(deps.Resolver),
		branch.New(deps.Resolver, r.logger),
		instruction.NewInstruction(deps.Resolver),
		instruction.NewProcessor(),
		terminal.NewSuccess(),
		terminal.NewFailure(),
		terminal.NewDelegate(),
		wait.New(deps.Scheduler),
	)
}
