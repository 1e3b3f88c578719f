package main

import (
	"os"
	"strings"

	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/routing"
)

// engineOutputsRef is a late-bound dispatcher.OutputsView: constructed
// empty, pointed at the routing.Engine once it exists, to break the
// Dispatcher/Engine construction cycle (see runEvent).
type engineOutputsRef struct {
	engine *routing.Engine
}

func (r *engineOutputsRef) Outputs(scope model.Scope) map[string]interface{} {
	if r.engine == nil {
		return nil
	}
	return r.engine.Outputs(scope)
}

// envMap snapshots os.Environ() into the map[string]string shape the
// sandbox's `env` variable and RunContext.Env expect.
func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
