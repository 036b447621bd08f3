package script

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/sync/singleflight"
)

// Binding is what a script can see: every context key at top level, the whole
// document as GLOBAL, and any extra scope such as HTTP_RESPONSE or ENUM_STORE.
type Binding struct {
	Context models.Context
	Extra   map[string]any
}

func (b Binding) env() map[string]any {
	env := make(map[string]any, len(b.Context)+len(b.Extra)+1)

	for k, v := range b.Context {
		env[k] = v
	}

	global := map[string]any(b.Context)
	if global == nil {
		global = map[string]any{}
	}

	env[models.ContextKeyGlobal] = global

	for k, v := range b.Extra {
		env[k] = v
	}

	return env
}

// Resolver evaluates components against a binding, caching both the
// synthesized source and the compiled program.
type Resolver struct {
	engine   Engine
	sources  *SourceCache
	programs *ProgramCache
	builds   singleflight.Group
	logger   *slog.Logger
}

func NewResolver(engine Engine, sources *SourceCache, programs *ProgramCache, logger *slog.Logger) *Resolver {
	return &Resolver{
		engine:   engine,
		sources:  sources,
		programs: programs,
		logger:   logger.With("module", "script_resolver"),
	}
}

// Evaluate runs every dynamic field of component and returns the results
// keyed by field name.
func (r *Resolver) Evaluate(ctx context.Context, component models.Component, version string, binding Binding) (map[string]any, error) {
	componentType := component.ComponentType()
	key := SourceKey{ComponentType: componentType, Hash: component.Hash(), Version: version}

	source, err := r.source(key, component)
	if err != nil {
		return nil, err
	}

	program, err := r.programs.GetOrCompile(source, r.engine.Compile)
	if err != nil {
		return nil, &models.ScriptError{Stage: "compile", ComponentType: componentType, Err: err}
	}

	started := time.Now()

	out, err := r.engine.Run(program, binding.env())
	if err != nil {
		return nil, &models.ScriptError{Stage: "run", ComponentType: componentType, Err: err}
	}

	r.logger.DebugContext(ctx, "evaluated component",
		"component_type", componentType, "version", version, "duration", time.Since(started))

	result, ok := out.(map[string]any)
	if !ok {
		return nil, &models.ScriptError{
			Stage: "run", ComponentType: componentType,
			Err: fmt.Errorf("expected a map result, got %T", out),
		}
	}

	delete(result, InfoKey)

	return result, nil
}

func (r *Resolver) source(key SourceKey, component models.Component) (string, error) {
	if source, ok := r.sources.Get(key); ok {
		return source, nil
	}

	value, err, _ := r.builds.Do(key.String(), func() (any, error) {
		if source, ok := r.sources.Get(key); ok {
			return source, nil
		}

		source, err := Synthesize(component)
		if err != nil {
			return "", err
		}

		r.sources.Add(key, source)

		return source, nil
	})
	if err != nil {
		return "", err
	}

	return value.(string), nil
}

func (r *Resolver) ResolveHTTP(ctx context.Context, c *models.HTTPComponents, version string, binding Binding) (*models.HTTPDetails, error) {
	fields, err := r.Evaluate(ctx, c, version, binding)
	if err != nil {
		return nil, err
	}

	details := &models.HTTPDetails{}

	err = decode(fields, details)
	if err != nil {
		return nil, &models.ScriptError{Stage: "convert", ComponentType: c.ComponentType(), Err: err}
	}

	details.Method = c.Method
	if details.Method == "" {
		details.Method = "GET"
	}

	details.ContentType = c.ContentType
	details.TargetClientID = c.TargetClientID
	details.Timeout = time.Duration(c.TimeoutSeconds) * time.Second

	return details, nil
}

func (r *Resolver) ResolveBranch(ctx context.Context, c *models.BranchComponents, version string, binding Binding) (*models.BranchDetails, error) {
	details := &models.BranchDetails{}

	err := r.resolveInto(ctx, c, version, binding, details)
	if err != nil {
		return nil, err
	}

	return details, nil
}

func (r *Resolver) ResolveTransformer(ctx context.Context, c *models.TransformerComponents, version string, binding Binding) (*models.TransformerDetails, error) {
	details := &models.TransformerDetails{}

	err := r.resolveInto(ctx, c, version, binding, details)
	if err != nil {
		return nil, err
	}

	return details, nil
}

func (r *Resolver) ResolveAttribute(ctx context.Context, c *models.AttributeComponents, version string, binding Binding) (*models.AttributeDetails, error) {
	details := &models.AttributeDetails{}

	err := r.resolveInto(ctx, c, version, binding, details)
	if err != nil {
		return nil, err
	}

	return details, nil
}

func (r *Resolver) resolveInto(ctx context.Context, c models.Component, version string, binding Binding, out any) error {
	fields, err := r.Evaluate(ctx, c, version, binding)
	if err != nil {
		return err
	}

	err = decode(fields, out)
	if err != nil {
		return &models.ScriptError{Stage: "convert", ComponentType: c.ComponentType(), Err: err}
	}

	return nil
}

func decode(fields map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(fields)
}
