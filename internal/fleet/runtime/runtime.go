// Package runtime ties the Adapter Pool, Vehicle Registry, Connection
// Engine and shared logger into one handle, replacing the source's
// process-wide globals (spec.md §9 "Singleton shell state"/"Global
// state"): the adapter list, the verbose flag and the background flag
// all live here instead of package-level variables.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/adapter"
	"github.com/srg/fleetctl/internal/fleet/catalog"
	"github.com/srg/fleetctl/internal/fleet/engine"
	"github.com/srg/fleetctl/internal/fleet/groutine"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// observeColor maps an emit level to its spec.md §7 color: green for
// success, yellow for warning, red for error/failure.
var observeColor = map[string]*color.Color{
	"error": color.New(color.FgRed),
	"warn":  color.New(color.FgYellow),
	"info":  color.New(color.FgGreen),
}

// tickInterval is the fallback period at which the loop re-runs
// Engine.Tick for state changes that don't route through Wake, such as
// an adapter's cool-down expiring.
const tickInterval = 50 * time.Millisecond

// Runtime is the top-level handle threaded through cmd/fleetctl
// (spec.md §2 "Runtime handle"). All Vehicle/Adapter state transitions
// happen on its single loop goroutine (spec.md §5), started by Run and
// stopped by Shutdown.
type Runtime struct {
	Pool     *adapter.Pool
	Registry *vehicle.Registry
	Engine   *engine.Engine
	Logger   *logrus.Logger

	// Stdout receives one colorised, timestamped line per user-visible
	// event (spec.md §7), separate from the structured debug log.
	Stdout io.Writer

	verbose    int32 // atomic; spec.md §9 "verbose flag may remain a cheap atomic read"
	background bool

	reloader    *catalog.Reloader
	catalogPath string
	chipsetPath string

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Runtime with an empty Pool and Registry. dial may be
// nil to use the real transport (engine.New's own default).
func New(logger *logrus.Logger, dial engine.Dialer, background bool) *Runtime {
	pool := adapter.NewPool(logger)
	registry := vehicle.NewRegistry()
	r := &Runtime{
		Pool:       pool,
		Registry:   registry,
		Engine:     engine.New(pool, registry, logger, dial),
		Logger:     logger,
		Stdout:     os.Stdout,
		background: background,
		reloader:   &catalog.Reloader{},
		wake:       make(chan struct{}, 1),
	}
	r.Engine.Observe = r.observe
	return r
}

// observe is the spec.md §7 "observable user output" sink: a colorised,
// timestamped line to Stdout (green success, yellow warning, red
// error/failure), independent of the structured debug log the Engine
// writes through its own *logrus.Logger.
func (r *Runtime) observe(level, msg string) {
	switch level {
	case "error":
		r.Logger.Error(msg)
	case "warn":
		r.Logger.Warn(msg)
	default:
		r.Logger.Info(msg)
	}

	if r.Stdout == nil {
		return
	}
	c, ok := observeColor[level]
	if !ok {
		c = observeColor["info"]
	}
	fmt.Fprintln(r.Stdout, c.Sprintf("%s %s", time.Now().Format(time.RFC3339), msg))
}

// Verbose returns the current verbosity level (0..2, spec.md §6
// `verbose [0..2]`).
func (r *Runtime) Verbose() int { return int(atomic.LoadInt32(&r.verbose)) }

// SetVerbose updates the verbosity level, keeping the Engine's own copy
// (used to gate inbound-event logging in Dispatch) in sync.
func (r *Runtime) SetVerbose(n int) {
	atomic.StoreInt32(&r.verbose, int32(n))
	r.Engine.SetVerbose(n)
}

// Background reports whether the process is running with -b/--background
// (spec.md §6): the REPL prompt is suppressed and commands are read from
// stdin either way.
func (r *Runtime) Background() bool { return r.background }

// LoadCatalog loads vehiclePoolDefaults.json (required) and an optional
// fleet.yaml chipset-override file (spec.md §6, SPEC_FULL.md §2
// "Configuration"), merging chipset overrides into the Pool before any
// adapters are discovered so MergeChipsets' table is complete by the
// time Discover assigns caps.
func (r *Runtime) LoadCatalog(catalogPath, chipsetPath string) error {
	r.catalogPath = catalogPath
	r.chipsetPath = chipsetPath

	if chipsetPath != "" {
		overrides, err := catalog.LoadChipsetOverrides(chipsetPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("runtime: load chipset overrides: %w", err)
		}
		r.Pool.MergeChipsets(overrides)
	}

	defaults, err := r.reloader.Reload(catalogPath, r.Logger)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("runtime: load catalog: %w", err)
		}
		r.Logger.WithField("path", catalogPath).Debug("runtime: no catalog file found, starting with an empty registry")
		defaults = catalog.Defaults{}
	}
	n := catalog.Populate(r.Registry, defaults, r.Logger)
	r.Logger.WithField("count", n).Info("runtime: catalog loaded")
	return nil
}

// ReloadCatalog re-reads vehiclePoolDefaults.json and logs a diff of
// what changed, for the SIGHUP/CLI-triggered hot reload described in
// SPEC_FULL.md §6 ("Persisted vehicle catalog").
func (r *Runtime) ReloadCatalog() error {
	if r.catalogPath == "" {
		return fmt.Errorf("runtime: no catalog path configured")
	}
	defaults, err := r.reloader.Reload(r.catalogPath, r.Logger)
	if err != nil {
		return fmt.Errorf("runtime: reload catalog: %w", err)
	}
	n := catalog.Populate(r.Registry, defaults, r.Logger)
	r.Logger.WithField("count", n).Info("runtime: catalog reloaded")
	return nil
}

// Connect queues v for connection and wakes the loop so the tick picks
// it up promptly rather than waiting for the next fallback poll.
func (r *Runtime) Connect(v *vehicle.Vehicle, maxTries int, addToWaitList bool) bool {
	ok := r.Engine.Connect(v, maxTries, addToWaitList)
	r.Wake()
	return ok
}

// Disconnect tears v down and wakes the loop to release its adapter
// slot to any other SHOULD_CONNECT vehicle waiting on it.
func (r *Runtime) Disconnect(v *vehicle.Vehicle) {
	r.Engine.Disconnect(v)
	r.Wake()
}

// Wake requests an out-of-band continuation tick (spec.md §5 "any
// externally posted continuation event"), coalescing multiple requests
// arriving before the loop gets to run.
func (r *Runtime) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run starts the single loop goroutine and returns immediately; call
// Shutdown to stop it. Run must not be called twice on the same
// Runtime.
func (r *Runtime) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.wg.Add(1)
	groutine.Go(ctx, "fleet-runtime-loop", func(ctx context.Context) {
		defer r.wg.Done()
		defer close(r.done)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				r.Engine.Tick(ctx)
			case <-ticker.C:
				r.Engine.Tick(ctx)
			}
		}
	})
}

// Shutdown disconnects every registered vehicle (spec.md §5
// "disconnect is immediate and idempotent"), stops the loop goroutine,
// and waits for it to exit or the context to expire.
func (r *Runtime) Shutdown(ctx context.Context) {
	for _, v := range r.Registry.All() {
		r.Engine.Disconnect(v)
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.done == nil {
		return
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Logger.Warn("runtime: shutdown deadline exceeded waiting for loop to exit")
	}
}
