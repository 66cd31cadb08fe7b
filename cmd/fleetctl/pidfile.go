package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// PidFile implements the single-instance takeover guard spec.md §1
// names as an external collaborator: on startup, an already-running
// instance is SIGTERM'd and its pidfile awaited before this process
// claims /tmp/<binary-name>.pid for itself. Ported from
// original_source/src/util/PidFile.cpp's constructor/destructor pair.
type PidFile struct {
	path string
}

// NewPidFile takes over (or creates fresh) the pidfile for the running
// binary, hard-exiting the process on failure exactly as the original
// did — a PID-file guard that merely logs and continues defeats its own
// purpose (a second instance racing the first for HCI adapters).
func NewPidFile(logger *logrus.Logger) *PidFile {
	name := filepath.Base(os.Args[0])
	path := filepath.Join(os.TempDir(), name+".pid")
	pf := &PidFile{path: path}

	pf.killRunningProcess(logger)
	pf.create(logger)
	return pf
}

func (pf *PidFile) killRunningProcess(logger *logrus.Logger) {
	data, err := os.ReadFile(pf.path)
	if err != nil {
		return // no existing pidfile, nothing to take over
	}

	logger.Warn("another instance's pidfile found, taking over")

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(pf.path)
		return
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			_ = os.Remove(pf.path)
			return
		}
		logger.WithError(err).WithField("pid", pid).Fatal("failed to signal the running instance")
	}

	for timeout := 0; ; timeout++ {
		if _, err := os.Stat(pf.path); os.IsNotExist(err) {
			return
		}
		if timeout > 5000 {
			logger.Fatal("pidfile still present 5s after SIGTERM; is the process a zombie?")
		}
		time.Sleep(time.Millisecond)
	}
}

func (pf *PidFile) create(logger *logrus.Logger) {
	if err := os.WriteFile(pf.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		logger.WithError(err).Fatal("couldn't create pidfile")
	}
}

// Remove deletes the pidfile, releasing the takeover claim. Safe to
// call more than once.
func (pf *PidFile) Remove() {
	_ = os.Remove(pf.path)
}
