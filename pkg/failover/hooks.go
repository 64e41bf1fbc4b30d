package failover

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHookTimeout bounds the runtime of a single hook command.
const DefaultHookTimeout = 30 * time.Second

// Hooks runs shell commands when the instance becomes active or inactive.
//
// The commands are run by "sh -c" with DBLEADER_INSTANCE and DBLEADER_EVENT
// added to the environment. Combine with OnTransition to run them only on
// actual transitions.
type Hooks struct {
	OnActive   string
	OnInactive string
	InstanceID string

	// Timeout bounds each command. Zero selects DefaultHookTimeout.
	Timeout time.Duration
}

// Start implements Handler.
func (h *Hooks) Start(ctx context.Context) error {
	return h.run(ctx, "active", h.OnActive)
}

// Stop implements Handler.
func (h *Hooks) Stop(ctx context.Context) error {
	return h.run(ctx, "inactive", h.OnInactive)
}

func (h *Hooks) run(ctx context.Context, event, command string) error {
	if command == "" {
		return nil
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // the command comes from the operator configuration.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"DBLEADER_INSTANCE="+h.InstanceID,
		"DBLEADER_EVENT="+event,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("error running the %s hook: %w (output: %q)", event, err, out)
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("event", event).
		Bytes("output", out).
		Msg("hook ran successfully")

	return nil
}
