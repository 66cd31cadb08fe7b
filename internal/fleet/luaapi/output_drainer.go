package luaapi

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/fleetctl/internal/fleet/groutine"
)

// OutputDrainer continuously copies a script's captured output to
// stdout/stderr writers in a background goroutine, grounded on the
// teacher's internal/lua.OutputDrainer.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Cancel signals the drainer to stop after draining what's buffered.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() { d.wg.Wait() }

func drainWithTimeout(ch <-chan OutputRecord, stdout, stderr io.Writer, timeout time.Duration, logger *logrus.Logger, reason string) {
	deadline := time.After(timeout)
	drained := 0
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				logger.WithFields(logrus.Fields{"reason": reason, "drained": drained}).Debug("luaapi: drain completed")
				return
			}
			drained++
			writeRecord(rec, stdout, stderr, logger)
		case <-deadline:
			logger.WithFields(logrus.Fields{"reason": reason, "drained": drained}).Debug("luaapi: drain timeout reached")
			return
		}
	}
}

func writeRecord(rec OutputRecord, stdout, stderr io.Writer, logger *logrus.Logger) {
	var err error
	switch rec.Source {
	case "stdout":
		_, err = fmt.Fprint(stdout, rec.Content)
	case "stderr":
		_, err = fmt.Fprint(stderr, rec.Content)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{"source": rec.Source, "error": err}).Warn("luaapi: output write failed")
	}
}

// NewOutputDrainer starts a goroutine copying ch to stdout/stderr
// (io.Discard if nil) until Cancel()ed or ctx is done.
func NewOutputDrainer(ctx context.Context, ch <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	d := &OutputDrainer{stop: make(chan struct{})}
	d.wg.Add(1)
	groutine.Go(ctx, "luaapi-output-drainer", func(ctx context.Context) {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("luaapi: output drainer panic recovered")
			}
		}()
		defer logger.Debugf("%s: exiting", groutine.Name(ctx))

		for {
			select {
			case rec, ok := <-ch:
				if !ok {
					return
				}
				writeRecord(rec, stdout, stderr, logger)
			case <-d.stop:
				drainWithTimeout(ch, stdout, stderr, 100*time.Millisecond, logger, "stop")
				return
			case <-ctx.Done():
				drainWithTimeout(ch, stdout, stderr, 100*time.Millisecond, logger, "context-done")
				return
			}
		}
	})
	return d
}
