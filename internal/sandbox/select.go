package sandbox

import "fmt"

// Options selects and configures a backend.
type Options struct {
	// Backend is "docker" or "process".
	Backend string

	// AllowFallback must be true to select the process backend.
	AllowFallback bool

	// DockerBin overrides the docker CLI path.
	DockerBin string

	Logger Logger
}

// New constructs the backend named by opts.Backend. An unavailable isolated
// backend is an error; it is never replaced by the fallback silently.
func New(opts Options) (Sandbox, error) {
	switch opts.Backend {
	case "", dockerBackend:
		return NewDockerSandbox(DockerOptions{DockerBin: opts.DockerBin, Logger: opts.Logger})
	case processBackend:
		return NewProcessSandbox(ProcessOptions{AllowFallback: opts.AllowFallback, Logger: opts.Logger})
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q (want docker or process)", opts.Backend)
	}
}

var (
	_ Sandbox = (*DockerSandbox)(nil)
	_ Sandbox = (*ProcessSandbox)(nil)
)
