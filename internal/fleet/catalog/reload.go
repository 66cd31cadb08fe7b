package catalog

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Reloader diffs successive vehiclePoolDefaults.json loads so a running
// fleetctl instance can report exactly what an operator's edit changed
// without re-reading the whole catalog blind (spec.md §6 "catalog
// reload"), the same gojsondiff-based comparison the teacher uses for
// golden-file test assertions (internal/testutils/jsonassert.go),
// repurposed here for a live diff instead of a test expectation.
type Reloader struct {
	last []byte
}

// Diff compares d against the previously loaded Defaults (nil on the
// very first call) and returns a human-readable diff, or "" if nothing
// changed. It remembers d for the next call.
func (r *Reloader) Diff(d Defaults) (string, error) {
	next, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	defer func() { r.last = next }()

	if r.last == nil {
		return "", nil
	}

	differ := gojsondiff.New()
	diff, err := differ.Compare(r.last, next)
	if err != nil {
		return "", err
	}
	if !diff.Modified() {
		return "", nil
	}

	var before map[string]interface{}
	if err := json.Unmarshal(r.last, &before); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(before, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	return f.Format(diff)
}

// Reload loads path, diffs it against the last successful load, logs the
// diff (if any) at info level, and returns the fresh Defaults.
func (r *Reloader) Reload(path string, logger *logrus.Logger) (Defaults, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	diff, err := r.Diff(d)
	if err != nil {
		logger.WithError(err).Warn("catalog diff failed, continuing with fresh load")
	} else if diff != "" {
		logger.WithField("path", path).Infof("catalog changed:\n%s", diff)
	}
	return d, nil
}
