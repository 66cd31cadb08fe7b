package vehicle

import "fmt"

// Validate checks the quiescent-point invariants from spec.md §3 against
// the registry's current contents: no duplicate connection ids among
// CONNECTED vehicles, and every non-CONNECTED vehicle has fully cleared
// transport state. It does not check adapter capacity — that is the
// Pool's own invariant, checked separately by the engine.
//
// It is called from the registry tests at quiescent points; the engine
// does not run it. It is not checked on every mutation, which would make
// the teardown contract's multi-step sequencing impossible to express.
func Validate(r *Registry) error {
	seenIDs := make(map[int]string)

	for _, v := range r.All() {
		if v.State == Connected {
			if !v.Transport.HasConnectionID {
				return fmt.Errorf("vehicle %s: CONNECTED without a connection id", v.AddressString())
			}
			if owner, dup := seenIDs[v.Transport.ConnectionID]; dup {
				return fmt.Errorf("vehicles %s and %s: duplicate connection id %d", owner, v.AddressString(), v.Transport.ConnectionID)
			}
			seenIDs[v.Transport.ConnectionID] = v.AddressString()

			if !v.Transport.HasAdapter {
				return fmt.Errorf("vehicle %s: CONNECTED without a bound adapter", v.AddressString())
			}
			if v.Transport.WriteCharHandle == 0 {
				return fmt.Errorf("vehicle %s: CONNECTED without a write characteristic handle", v.AddressString())
			}
			continue
		}

		if v.State == Disconnected || v.State == ShouldConnect {
			if v.Transport.HasAdapter {
				return fmt.Errorf("vehicle %s: state %s but still bound to an adapter", v.AddressString(), v.State)
			}
			if v.Transport.Conn != nil {
				return fmt.Errorf("vehicle %s: state %s but transport connection is non-nil", v.AddressString(), v.State)
			}
			if v.Timers.SocketConnectTimeout != nil {
				return fmt.Errorf("vehicle %s: state %s but socket-connect timer is armed", v.AddressString(), v.State)
			}
			if v.Timers.LatencyPoll != nil {
				return fmt.Errorf("vehicle %s: state %s but latency poll timer is armed", v.AddressString(), v.State)
			}
			if v.Coalesce.Len() != 0 {
				return fmt.Errorf("vehicle %s: state %s but coalescing buffer is non-empty", v.AddressString(), v.State)
			}
		}
	}

	return nil
}
