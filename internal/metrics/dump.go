package metrics

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// WriteSnapshot encodes every gathered metric family to w in the
// Prometheus text exposition format. Families outside the
// trainer_swarm_ namespace (Go runtime, process collectors) are
// skipped so the snapshot stays about the run.
func WriteSnapshot(g prometheus.Gatherer, w io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if !snapshotFamily(mf) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}

// snapshotFamily reports whether the family belongs in a run snapshot.
func snapshotFamily(mf *dto.MetricFamily) bool {
	return strings.HasPrefix(mf.GetName(), "trainer_swarm_")
}

// Dump writes the default registry's final metric values to w. Used
// for the stderr dump when a run fails without a log directory.
func Dump(w io.Writer) error {
	return WriteSnapshot(prometheus.DefaultGatherer, w)
}

// DumpToFile writes the default registry's final metric values to
// path. Called once at exit so a failed run leaves its last metrics on
// disk next to the worker logs.
func DumpToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics snapshot: %w", err)
	}

	if err := WriteSnapshot(prometheus.DefaultGatherer, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
