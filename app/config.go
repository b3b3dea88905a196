package app

import (
	"github.com/skyhookml/explain/explain"
)

// Config holds the defaults applied to runs started over the API.
// Requests may override the data path and the explain section.
type Config struct {
	explain.Config
	// Directory that request paths are resolved against. Paths outside it are rejected.
	DataRoot string
}
