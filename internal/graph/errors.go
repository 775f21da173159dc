package graph

import "errors"

// ErrNoImageConfigured means a graphId resolved to ephemeral mode but no
// image is configured for it in config.GraphsConfig.
var ErrNoImageConfigured = errors.New("no image configured for graph")
