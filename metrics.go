package journal

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "journal"

// Metrics collects write path statistics. A nil *Metrics is valid and
// discards all updates.
type Metrics struct {
	entries       prometheus.Counter
	objects       *prometheus.CounterVec
	dedupHits     prometheus.Counter
	compressions  *prometheus.CounterVec
	tags          prometheus.Counter
	rotations     prometheus.Counter
	recoveries    prometheus.Counter
	vacuumedFiles prometheus.Counter
	vacuumedBytes prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg, if given.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, []string{label})
	}

	m := &Metrics{
		entries:       counter("entries_total", "Number of appended entries."),
		objects:       counterVec("objects_total", "Number of appended objects. Broken down by object type.", "type"),
		dedupHits:     counter("dedup_hits_total", "Number of field values resolved to an existing data object."),
		compressions:  counterVec("compressed_objects_total", "Number of data objects stored compressed. Broken down by codec.", "codec"),
		tags:          counter("tags_total", "Number of appended seal tags."),
		rotations:     counter("rotations_total", "Number of file rotations."),
		recoveries:    counter("recoveries_total", "Number of files repaired after an unclean shutdown."),
		vacuumedFiles: counter("vacuumed_files_total", "Number of archived files removed by vacuum."),
		vacuumedBytes: counter("vacuumed_bytes_total", "Number of bytes freed by vacuum."),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.entries, m.objects, m.dedupHits, m.compressions, m.tags,
			m.rotations, m.recoveries, m.vacuumedFiles, m.vacuumedBytes,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) entryAdded() {
	if m != nil {
		m.entries.Inc()
	}
}

func (m *Metrics) objectAdded(t ObjectType) {
	if m != nil {
		m.objects.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) dedupHit() {
	if m != nil {
		m.dedupHits.Inc()
	}
}

func (m *Metrics) compressed(c Compression) {
	if m != nil {
		m.compressions.WithLabelValues(c.String()).Inc()
	}
}

func (m *Metrics) tagAdded() {
	if m != nil {
		m.tags.Inc()
	}
}

func (m *Metrics) rotated() {
	if m != nil {
		m.rotations.Inc()
	}
}

func (m *Metrics) recovered() {
	if m != nil {
		m.recoveries.Inc()
	}
}

func (m *Metrics) vacuumed(size int64) {
	if m != nil {
		m.vacuumedFiles.Inc()
		m.vacuumedBytes.Add(float64(size))
	}
}
