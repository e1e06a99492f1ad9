package orchestrator

import (
	"time"

	"github.com/animalrunner/listener/internal/orchestrator/observation"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running       bool                 `json:"running"`
	Uptime        string               `json:"uptime"`
	Target        string               `json:"target,omitempty"`
	Device        string               `json:"device,omitempty"`
	BufferFill    int                  `json:"buffer_fill"`
	BufferCap     int                  `json:"buffer_capacity"`
	QueueDepth    int                  `json:"queue_depth"`
	Observations  []ObservationStatus  `json:"observations"`
	LastMajority  observation.Majority `json:"last_majority"`
	LastVerdict   string               `json:"last_verdict,omitempty"`
	LastVerdictAt *time.Time           `json:"last_verdict_at,omitempty"`
	Emitted       int                  `json:"emitted"`
	Breaker       string               `json:"breaker,omitempty"`
	Journal       bool                 `json:"journal"`
}

type ObservationStatus struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Status snapshots every stage. Each part is read under its own lock, so
// the parts may be from slightly different instants.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running, startedAt := m.running, m.startedAt
	m.mu.Unlock()

	st := Status{
		Running:      running,
		BufferFill:   m.ring.Len(),
		BufferCap:    m.ring.Cap(),
		QueueDepth:   m.queue.Len(),
		LastMajority: m.lastCheck.Load(),
		Journal:      m.store != nil,
	}
	if running {
		st.Uptime = m.now().Sub(startedAt).Round(time.Second).String()
	}
	if t, ok := m.sink.(interface{ Target() string }); ok {
		st.Target = t.Target()
	}
	if d, ok := m.source.(interface{ Device() string }); ok {
		st.Device = d.Device()
	}
	if m.breaker != nil {
		st.Breaker = m.breaker.State().String()
	}

	for _, o := range m.window.Snapshot() {
		st.Observations = append(st.Observations, ObservationStatus(o))
	}

	es := m.emitter.State()
	st.Emitted = es.Emitted
	if es.LastLabel != "" {
		at := es.LastAt
		st.LastVerdict = es.LastLabel
		st.LastVerdictAt = &at
	}
	return st
}
