package backend

import (
	"os"
	"runtime"
)

// hostSpecs collects the static machine facts reported in agent_hello.
func hostSpecs() map[string]any {
	specs := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cpus": runtime.NumCPU(),
	}
	if hostname, err := os.Hostname(); err == nil {
		specs["hostname"] = hostname
	}
	return specs
}
