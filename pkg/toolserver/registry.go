package toolserver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ResolvedTool binds a tool to its owning server, with the input
// schema compiled for argument validation.
type ResolvedTool struct {
	Tool
	Server ToolServer

	schema *gojsonschema.Schema
}

// ValidateArgs checks model-proposed arguments against the tool's
// declared schema. A nil return means the arguments may be dispatched.
func (rt *ResolvedTool) ValidateArgs(args map[string]interface{}) error {
	if rt.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := rt.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validating arguments for %s: %w", rt.Name, err)
	}
	if result.Valid() {
		return nil
	}

	msg := fmt.Sprintf("invalid arguments for tool %s:", rt.Name)
	for _, desc := range result.Errors() {
		msg += "\n- " + desc.String()
	}
	return fmt.Errorf("%s", msg)
}

// Registry is the union of the agent's servers' cached tool lists,
// built once per run at readiness and read-only afterwards.
type Registry struct {
	tools map[string]*ResolvedTool
	order []string
}

// BuildRegistry brings every server to readiness, merges their tool
// lists in server order and applies the allow-list. Duplicate names
// resolve to the earliest server. A server that never becomes ready
// fails the build.
func BuildRegistry(ctx context.Context, servers []ToolServer, allowed []string, logger zerolog.Logger) (*Registry, error) {
	allow := map[string]bool{}
	for _, name := range allowed {
		allow[name] = true
	}

	reg := &Registry{tools: make(map[string]*ResolvedTool)}

	for _, srv := range servers {
		tools, err := srv.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", srv.Name(), err)
		}

		for _, tool := range tools {
			if len(allow) > 0 && !allow[tool.Name] {
				continue
			}
			if _, exists := reg.tools[tool.Name]; exists {
				logger.Warn().
					Str("tool", tool.Name).
					Str("server", srv.Name()).
					Msg("Duplicate tool name; keeping earlier server's tool")
				continue
			}

			rt := &ResolvedTool{Tool: tool, Server: srv}
			if len(tool.InputSchema) > 0 {
				schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
				if err != nil {
					logger.Warn().
						Str("tool", tool.Name).
						Err(err).
						Msg("Tool schema does not compile; dispatching without validation")
				} else {
					rt.schema = schema
				}
			}

			reg.tools[tool.Name] = rt
			reg.order = append(reg.order, tool.Name)
		}
	}

	return reg, nil
}

// Resolve returns the tool's owner, or false for an unknown name.
func (r *Registry) Resolve(name string) (*ResolvedTool, bool) {
	rt, ok := r.tools[name]
	return rt, ok
}

// Defs lists the registered tools in registration order.
func (r *Registry) Defs() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Tool)
	}
	return out
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	return len(r.order)
}
