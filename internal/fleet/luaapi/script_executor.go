package luaapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/engine"
	"github.com/srg/fleetctl/internal/fleet/groutine"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// ExecuteFleetScriptWithOutput runs script against a fresh Engine-bound
// Lua state, streaming captured print() output to stdout/stderr as it
// happens, grounded on the teacher's
// internal/lua.ExecuteDeviceScriptWithOutput — adapted here to bind the
// "fleet" table (internal/fleet/luaapi's API) instead of the teacher's
// per-device "ble" table.
//
// args seeds the script's global arg[] table, matching the REPL's
// `execute <script>` invocation (spec.md §6).
func ExecuteFleetScriptWithOutput(
	ctx context.Context,
	eng *engine.Engine,
	reg *vehicle.Registry,
	logger *logrus.Logger,
	script string,
	args map[string]string,
	stdout, stderr io.Writer,
	drainTimeout time.Duration,
) error {
	e := New(logger)
	defer e.Close()

	api := NewAPI(eng, reg, logger)
	api.Register(e)

	logger.WithField("script_size", len(script)).Debug("luaapi: starting fleet script execution")
	defer logger.Debug("luaapi: fleet script execution completed")

	var argBuilder strings.Builder
	argBuilder.WriteString("arg = {}\n")
	for key, value := range args {
		_, _ = fmt.Fprintf(&argBuilder, "arg[%q] = %q\n", key, value)
	}
	scriptWithArgs := argBuilder.String() + "\n-- user script\n" + script

	var drainer *OutputDrainer
	if stdout != nil || stderr != nil {
		drainer = NewOutputDrainer(ctx, e.OutputChannel(), logger, stdout, stderr)
		defer func() {
			drainer.Cancel()

			done := make(chan struct{})
			groutine.Go(ctx, "luaapi-script-drainer-wait", func(ctx context.Context) {
				drainer.Wait()
				close(done)
			})

			select {
			case <-done:
			case <-time.After(drainTimeout / 2):
				logger.WithField("timeout", drainTimeout/2).Debug("luaapi: output drainer did not exit within timeout")
			}
		}()
	}

	if err := e.ExecuteScript(scriptWithArgs); err != nil {
		return fmt.Errorf("luaapi: script execution failed: %w", err)
	}
	return nil
}

// ExecuteFleetScript runs script the same way ExecuteFleetScriptWithOutput
// does, but buffers captured print() output in a Collector instead of
// streaming it to a writer as it happens, returning the full text once
// the script completes. Used for `-b/--background` runs (spec.md §6)
// where a script's output should land as one coherent block rather than
// interleaved line-by-line with whatever else is writing to the same
// stdout concurrently.
func ExecuteFleetScript(
	ctx context.Context,
	eng *engine.Engine,
	reg *vehicle.Registry,
	logger *logrus.Logger,
	script string,
	args map[string]string,
	drainTimeout time.Duration,
) (string, error) {
	e := New(logger)
	defer e.Close()

	api := NewAPI(eng, reg, logger)
	api.Register(e)

	var argBuilder strings.Builder
	argBuilder.WriteString("arg = {}\n")
	for key, value := range args {
		_, _ = fmt.Fprintf(&argBuilder, "arg[%q] = %q\n", key, value)
	}
	scriptWithArgs := argBuilder.String() + "\n-- user script\n" + script

	outCh := e.OutputChannel()
	collector, err := NewCollector(outCh, 1024, func(err error) {
		logger.WithError(err).Warn("luaapi: output collector error")
	})
	if err != nil {
		return "", fmt.Errorf("luaapi: %w", err)
	}
	if err := collector.Start(); err != nil {
		return "", fmt.Errorf("luaapi: %w", err)
	}

	runErr := e.ExecuteScript(scriptWithArgs)

	deadline := time.Now().Add(drainTimeout)
drain:
	for len(outCh) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(time.Millisecond):
		}
	}
	// outCh empty only means the Collector's goroutine has read the last
	// record, not that it has finished enqueuing it into the ring buffer
	// yet; give it a moment to catch up before stopping.
	time.Sleep(time.Millisecond)
	if err := collector.Stop(); err != nil {
		logger.WithError(err).Debug("luaapi: output collector stop")
	}

	text, consumeErr := collector.ConsumePlainText()
	if runErr != nil {
		return text, fmt.Errorf("luaapi: script execution failed: %w", runErr)
	}
	if consumeErr != nil {
		return text, fmt.Errorf("luaapi: %w", consumeErr)
	}
	return text, nil
}
