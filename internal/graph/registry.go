package graph

import (
	"strings"

	"github.com/cogni-dao/sandboxcore/config"
)

// ExecutionMode selects which backend runs a graph.
type ExecutionMode string

const (
	ModeEphemeral ExecutionMode = "ephemeral"
	ModeGateway   ExecutionMode = "gateway"
)

// route is a resolved GraphRoute, with Mode normalized to ExecutionMode.
type route struct {
	prefix string
	mode   ExecutionMode
	image  string
}

// Registry resolves a graphId to an ExecutionMode (and, for ephemeral mode,
// a container image) via longest-prefix match over cfg.Graphs.Routes,
// falling back to cfg.Graphs.DefaultMode with no image.
type Registry struct {
	routes      []route
	defaultMode ExecutionMode
}

// NewRegistry builds a Registry from the static graph configuration.
func NewRegistry(cfg config.GraphsConfig) *Registry {
	routes := make([]route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, route{
			prefix: r.GraphIDPrefix,
			mode:   ExecutionMode(r.Mode),
			image:  r.Image,
		})
	}
	defaultMode := ExecutionMode(cfg.DefaultMode)
	if defaultMode == "" {
		defaultMode = ModeEphemeral
	}
	return &Registry{routes: routes, defaultMode: defaultMode}
}

// Resolve returns the execution mode and (for ephemeral mode) the image to
// run for graphID, matched by the longest configured prefix.
func (r *Registry) Resolve(graphID string) (mode ExecutionMode, image string) {
	best := -1
	for _, rt := range r.routes {
		if strings.HasPrefix(graphID, rt.prefix) && len(rt.prefix) > best {
			best = len(rt.prefix)
			mode, image = rt.mode, rt.image
		}
	}
	if best < 0 {
		return r.defaultMode, ""
	}
	return mode, image
}
