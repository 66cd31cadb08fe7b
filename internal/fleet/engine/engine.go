// Package engine implements the Connection Engine: the single-threaded
// cooperative scheduler that drives every Vehicle's state machine,
// pairs it with a free Adapter, brings up its transport, and tears it
// down again (spec.md §4.2).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/adapter"
	"github.com/srg/fleetctl/internal/fleet/proto"
	"github.com/srg/fleetctl/internal/fleet/transport"
	"github.com/srg/fleetctl/internal/fleet/vehicle"
)

// ConnectTimeout is the per-attempt socket/GATT bring-up bound (spec.md
// §4.2 step 2: "5-second timeout").
const ConnectTimeout = 5 * time.Second

// AdapterCooldown is applied to an adapter after a failed attempt
// before it is offered again (spec.md §4.2 step 2: "50ms cool-down").
const AdapterCooldown = 50 * time.Millisecond

// Dialer abstracts transport.Dial so engine tests don't need a real BLE
// stack; production wiring passes transport.Dial itself.
type Dialer func(ctx context.Context, logger *logrus.Logger, adapterID int, addr string) (transport.GATT, error)

// Engine owns the registry+pool pairing and runs the continuation tick.
type Engine struct {
	Pool     *adapter.Pool
	Registry *vehicle.Registry
	Logger   *logrus.Logger
	Latency  *transport.LatencyTuner

	dial Dialer

	// Observe receives one line per user-visible event (connect,
	// disconnect, give-up), matching spec.md §7's colorised log output;
	// nil is fine, it just means nobody's listening.
	Observe func(level string, msg string)

	verbose int32 // atomic; set via SetVerbose, read from Dispatch's log threshold
}

// New constructs an Engine. dial may be nil to use the real transport.
func New(pool *adapter.Pool, registry *vehicle.Registry, logger *logrus.Logger, dial Dialer) *Engine {
	if dial == nil {
		dial = func(ctx context.Context, logger *logrus.Logger, adapterID int, addr string) (transport.GATT, error) {
			return transport.Dial(ctx, logger, adapterID, addr)
		}
	}
	return &Engine{
		Pool:     pool,
		Registry: registry,
		Logger:   logger,
		Latency:  transport.NewLatencyTuner(logger),
		dial:     dial,
	}
}

// SetVerbose updates the verbosity level Dispatch uses to gate noisy
// inbound-event logging (spec.md §6 `verbose [0..2]`).
func (e *Engine) SetVerbose(n int) { atomic.StoreInt32(&e.verbose, int32(n)) }

// Verbose returns the current verbosity level.
func (e *Engine) Verbose() int { return int(atomic.LoadInt32(&e.verbose)) }

func (e *Engine) emit(level, msg string) {
	if e.Observe != nil {
		e.Observe(level, msg)
	}
	switch level {
	case "error":
		e.Logger.Error(msg)
	case "warn":
		e.Logger.Warn(msg)
	default:
		e.Logger.Info(msg)
	}
}

// Connect requests that v reach CONNECTED, matching spec.md §4.2's
// DISCONNECTED --request connect--> SHOULD_CONNECT transition.
// Per spec.md Design Note (b): a Vehicle already in SHOULD_CONNECT
// reports success ("already queued") without starting a second attempt.
// maxTries == 0 means infinite retries (Design Note (c), confirmed
// intentional for `check connected-vehicles`).
func (e *Engine) Connect(v *vehicle.Vehicle, maxTries int, addToWaitList bool) bool {
	if v.ShouldConnect() {
		return true
	}
	if !v.IsDisconnected() {
		return false
	}
	v.State = vehicle.ShouldConnect
	v.MaxTries = maxTries
	v.TriesSoFar = 0
	v.AddToWaitList = addToWaitList
	if addToWaitList {
		e.Registry.AddToWaitList(v.AddressString())
		e.Registry.WaitingForPending = true
	}
	return true
}

// Disconnect implements the teardown contract (spec.md §4.2): it must
// be idempotent and safe from any state.
func (e *Engine) Disconnect(v *vehicle.Vehicle) {
	if v.IsDisconnected() {
		return
	}
	v.State = vehicle.Disconnecting

	if v.Timers.SocketConnectTimeout != nil {
		v.Timers.SocketConnectTimeout.Stop()
		v.Timers.SocketConnectTimeout = nil
	}
	if v.Timers.LatencyPoll != nil {
		v.Timers.LatencyPoll.Stop()
		v.Timers.LatencyPoll = nil
	}

	if conn, ok := v.Transport.Conn.(transport.GATT); ok && conn != nil {
		_ = conn.Close()
	}
	if v.Transport.HasAdapter {
		if a := e.Pool.Find(v.Transport.AdapterID); a != nil {
			e.Pool.RemoveUser(a)
		}
	}
	v.Transport = vehicle.TransportHandles{}

	v.Coalesce.Reset()
	v.Last = vehicle.Localization{}
	v.ClearSinceLocalization()

	e.Registry.RemoveFromWaitList(v.AddressString())

	e.emit("info", fmt.Sprintf("vehicle %s disconnected", v.AddressString()))
	v.State = vehicle.Disconnected
}

// Tick runs one pass of the continuation logic (spec.md §4.2 "Engine
// tick"). Callers re-invoke it whenever state changes or a timer fires.
func (e *Engine) Tick(ctx context.Context) {
	e.pollNotifications()

	v := e.Registry.VehicleThatShouldConnect()
	if v == nil {
		if e.Registry.WaitingForPending && e.Registry.WaitListEmpty() {
			e.emit("info", "All vehicles connected.")
			e.Registry.WaitingForPending = false
		}
		return
	}

	a := e.Pool.PickFree()
	if a != nil {
		e.beginConnecting(ctx, v, a)
		return
	}

	if e.Pool.PickFreeIncludingBlocked() == nil && (e.Pool.Len() == 0 || e.Pool.Saturated()) {
		if e.Pool.Len() == 0 {
			e.emit("error", "No HCI devices available. Giving up on pending connections.")
		} else {
			e.emit("error", "All HCI devices already have the maximum number of established connections. Giving up on pending connections.")
		}
		for {
			next := e.Registry.VehicleThatShouldConnect()
			if next == nil {
				break
			}
			next.State = vehicle.Disconnected
			e.Registry.RemoveFromWaitList(next.AddressString())
		}
		if e.Registry.WaitingForPending && e.Registry.WaitListEmpty() {
			e.Registry.WaitingForPending = false
		}
	}
	// Else: yield, a later event re-ticks (adapter unblock, cooldown expiry).
}

// beginConnecting starts CONNECTING on v using adapter a, holding it
// exclusively (blocked) until GATT is ready (spec.md §4.2: "An attempt
// holds its adapter exclusively... upon ready, the adapter is unblocked
// immediately").
func (e *Engine) beginConnecting(ctx context.Context, v *vehicle.Vehicle, a *adapter.Adapter) {
	v.State = vehicle.Connecting
	e.Pool.AddUser(a)
	e.Pool.Block(a)

	attemptCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := e.dial(attemptCtx, e.Logger, a.ID, v.AddressString())
	e.Pool.Unblock(a)

	if err != nil {
		if errors.Is(err, errBusy) {
			if preemptErr := preemptAlien(a.ID, v.Address); preemptErr == nil {
				e.retryOrGiveUp(v, a, fmt.Errorf("EBUSY preempted, retrying: %w", err))
				return
			}
			e.giveUp(v, a, fmt.Errorf("alien preemption failed: %w", err))
			return
		}
		e.retryOrGiveUp(v, a, err)
		return
	}

	v.Transport = vehicle.TransportHandles{
		AdapterID:  a.ID,
		HasAdapter: true,
		Conn:       conn,
	}
	if c, ok := conn.(*transport.Conn); ok {
		v.Transport.ReadCharHandle = c.ReadCharHandle
		v.Transport.WriteCharHandle = c.WriteCharHandle
		v.Transport.WriteCharProps = c.WriteCharProps
	} else {
		// Test doubles (transport.FakeConn) don't carry discovered
		// handles; give them a nonzero placeholder so the CONNECTED
		// invariant (WriteCharHandle != 0) is satisfiable in tests.
		v.Transport.WriteCharHandle = 1
	}

	if err := conn.EnableNotifications(); err != nil {
		e.retryOrGiveUp(v, a, fmt.Errorf("enable notifications: %w", err))
		return
	}

	id, ok := e.Registry.FreeConnectionID()
	if !ok {
		e.giveUp(v, a, errors.New("no free connection id"))
		return
	}
	v.Transport.ConnectionID = id
	v.Transport.HasConnectionID = true

	v.State = vehicle.Connected
	v.TriesSoFar = 0
	e.Registry.RemoveFromWaitList(v.AddressString())

	e.emit("info", fmt.Sprintf("vehicle %s connected (adapter %d, conn id %d)", v.AddressString(), a.ID, id))
	e.postConnect(v)
}

// ErrNotConnected is returned by Send when the target vehicle has no
// live GATT client, matching spec.md §7's "any send fails (return
// false) and the caller may choose to drop" contract, surfaced here as
// an error rather than a bool so callers can log the reason.
var ErrNotConnected = errors.New("engine: vehicle not connected")

// Send issues one outbound command primitive against v (spec.md §5
// "Command primitives... all check CONNECTED state first"), used by
// cmd/fleetctl's command handlers and internal/fleet/luaapi's script
// bindings alike so both surfaces share the same coalescing/immediate
// write path postConnect uses internally.
func (e *Engine) Send(v *vehicle.Vehicle, f proto.Frame, enqueue bool) error {
	if !v.IsConnected() {
		return ErrNotConnected
	}
	conn, ok := v.Transport.Conn.(transport.GATT)
	if !ok || conn == nil {
		return ErrNotConnected
	}
	return proto.Send(v, f, enqueue, conn.WriteWithoutResponse)
}

// SendPing issues an untagged ping and records it in the pending-ping
// queue (spec.md §3 "Pending ping queue") so the matching PING_RESPONSE,
// once dispatched, can report a round-trip time.
func (e *Engine) SendPing(v *vehicle.Vehicle) error {
	if err := e.Send(v, proto.Ping(), false); err != nil {
		return err
	}
	v.PendingPings = append(v.PendingPings, vehicle.PendingPing{Sent: time.Now()})
	return nil
}

// postConnect kicks off the fixed sequence of actions spec.md §4.2 step
// 8 requires immediately after CONNECTED.
func (e *Engine) postConnect(v *vehicle.Vehicle) {
	conn, _ := v.Transport.Conn.(transport.GATT)
	if conn == nil {
		return
	}
	write := func(f proto.Frame) {
		if err := proto.Send(v, f, false, conn.WriteWithoutResponse); err != nil {
			e.Logger.WithError(err).Warn("post-connect write failed")
		}
	}

	if handle, ok := v.Transport.Conn.(interface{ ConnHandle() uint16 }); ok {
		e.Latency.Request(v.Transport.AdapterID, v.AddressString(), handle.ConnHandle())
	}
	write(proto.RequestVersion())
	v.BrakingLights = true
	write(proto.SetLights(0x00))
	write(Frame0x0bHello())
	write(proto.SDKMode(0x01))
	write(proto.SetConfigParameters(0x00, 0x00))
}

// pollNotifications drains every connected vehicle's pending GATT
// notifications and dispatches them, keeping inbound handling on the
// same single loop goroutine as every other state transition (spec.md
// §5). Called at the top of every Tick so it runs on both the wake path
// and the fallback ticker.
func (e *Engine) pollNotifications() {
	for _, v := range e.Registry.All() {
		if !v.IsConnected() {
			continue
		}
		conn, ok := v.Transport.Conn.(transport.GATT)
		if !ok || conn == nil {
			continue
		}
		e.drainVehicleNotifications(v, conn)
	}
}

// drainVehicleNotifications decodes every complete frame currently
// buffered on conn's notification channel, in receive order (spec.md
// §5), leaving any trailing partial frame in v.Transport.RecvBuf for the
// next notification to complete.
func (e *Engine) drainVehicleNotifications(v *vehicle.Vehicle, conn transport.GATT) {
	handlers := e.handlersFor(v)
	for {
		select {
		case data := <-conn.Notifications():
			v.Transport.RecvBuf = append(v.Transport.RecvBuf, data...)
			var frames []proto.Frame
			frames, v.Transport.RecvBuf = proto.DecodeAll(v.Transport.RecvBuf)
			for _, f := range frames {
				proto.Dispatch(e.Logger, v, f, handlers, e.Verbose())
			}
		default:
			return
		}
	}
}

// handlersFor builds the inbound-event hooks for v: each updates the
// vehicle's cached state and surfaces a user-visible line through emit,
// matching spec.md §7's colorised log output for asynchronous replies.
func (e *Engine) handlersFor(v *vehicle.Vehicle) proto.Handlers {
	return proto.Handlers{
		OnPing: func(reply proto.PingReply) {
			rtt := e.popPendingPing(v)
			e.emit("info", fmt.Sprintf("vehicle %s: ping reply (%s)", v.AddressString(), rtt))
		},
		OnVersion: func(version uint16) {
			v.LastVersion = version
			e.emit("info", fmt.Sprintf("vehicle %s: firmware version 0x%04x", v.AddressString(), version))
		},
		OnVoltage: func(millivolts uint16) {
			v.LastBatteryMV = millivolts
			e.emit("info", fmt.Sprintf("vehicle %s: battery %dmV", v.AddressString(), millivolts))
		},
		OnLocalization: func(loc vehicle.Localization) {
			v.Last = loc
			v.LastClockwise = loc.Clockwise
			v.ClearSinceLocalization()
		},
		OnTransition: func(t proto.TransitionUpdate) {
			e.emit("info", fmt.Sprintf("vehicle %s: road-piece transition", v.AddressString()))
		},
		OnDelocalized: func() {
			v.Last.Valid = false
			e.emit("warn", fmt.Sprintf("vehicle %s: delocalized", v.AddressString()))
		},
		OnWheelMovement: func(payload []byte) {
			if e.Verbose() >= 1 {
				e.Logger.WithField("vehicle", v.AddressString()).
					WithField("payload", fmt.Sprintf("% x", payload)).
					Debug("wheel-movement event")
			}
		},
		OnStateChange: func(payload []byte) {
			if e.Verbose() >= 1 {
				e.Logger.WithField("vehicle", v.AddressString()).
					WithField("payload", fmt.Sprintf("% x", payload)).
					Debug("state-change event")
			}
		},
	}
}

// popPendingPing removes the oldest outstanding ping (replies arrive in
// send order, spec.md §5) and returns its round-trip time formatted for
// display, or "rtt unknown" if none was pending (e.g. a ping sent before
// SendPing started tracking it).
func (e *Engine) popPendingPing(v *vehicle.Vehicle) string {
	if len(v.PendingPings) == 0 {
		return "rtt unknown"
	}
	p := v.PendingPings[0]
	v.PendingPings = v.PendingPings[1:]
	return time.Since(p.Sent).String()
}

// Frame0x0bHello builds the vendor hello handshake (confirmed literal
// 0x0b via original_source/src/Vehicle.cpp).
func Frame0x0bHello() proto.Frame {
	return proto.Frame{ID: 0x0b}
}

// retryOrGiveUp implements spec.md §4.2's retry policy for recoverable
// failures: increment tries, return to SHOULD_CONNECT while under
// max_tries (0 == infinite), else give up. It releases the adapter
// itself — via a 50ms cool-down timer rather than an immediate
// Unblock, so a flaky adapter doesn't get hammered again on the very
// next tick (spec.md §4.2 step 2: "50ms cool-down") — so callers must
// not also call giveUp for the same attempt.
func (e *Engine) retryOrGiveUp(v *vehicle.Vehicle, a *adapter.Adapter, cause error) {
	e.coolDown(a)

	v.TriesSoFar++
	v.Transport = vehicle.TransportHandles{}
	v.Coalesce.Reset()

	if v.MaxTries == 0 || v.TriesSoFar < v.MaxTries {
		e.Logger.WithError(cause).WithField("vehicle", v.AddressString()).Warn("connect attempt failed, retrying")
		v.State = vehicle.ShouldConnect
		return
	}
	e.finishGiveUp(v, cause)
}

// coolDown releases a's in-use slot immediately (so other vehicles
// aren't starved) but keeps it Blocked for AdapterCooldown before a
// fresh attempt may land on it.
func (e *Engine) coolDown(a *adapter.Adapter) {
	e.Pool.RemoveUser(a)
	e.Pool.Block(a)
	time.AfterFunc(AdapterCooldown, func() {
		e.Pool.Unblock(a)
	})
}

// giveUp implements the non-recoverable path when the adapter's in-use
// slot has not yet been released by the caller: fatal for this attempt,
// straight to DISCONNECTED.
func (e *Engine) giveUp(v *vehicle.Vehicle, a *adapter.Adapter, cause error) {
	if a != nil {
		e.Pool.RemoveUser(a)
	}
	e.finishGiveUp(v, cause)
}

func (e *Engine) finishGiveUp(v *vehicle.Vehicle, cause error) {
	v.Transport = vehicle.TransportHandles{}
	v.Coalesce.Reset()
	e.Registry.RemoveFromWaitList(v.AddressString())
	e.Logger.WithError(cause).WithField("vehicle", v.AddressString()).Error("giving up on connection")
	v.State = vehicle.Disconnected
}

// errBusy is the sentinel a Dialer should wrap its error with when the
// kernel/controller reports EBUSY synchronously (spec.md §4.2 step 1).
var errBusy = errors.New("engine: adapter reports busy")

// ErrBusy is the exported form of errBusy, for Dialer implementations
// outside this package.
var ErrBusy = errBusy

func preemptAlien(adapterID int, addr [6]byte) error {
	return transport.PreemptAlienConnection(adapterID, addr)
}
