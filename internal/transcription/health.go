package transcription

import (
	"time"
)

// health is the failure bookkeeping for one backend. It is only touched by
// Manager methods holding the manager mutex.
type health struct {
	kind        BackendKind
	name        string
	failures    []FailureRecord
	tripped     bool
	probing     bool
	lastFailure time.Time
	lastError   string

	successes     uint64
	failuresTotal uint64
	skipped       uint64
	probes        uint64
}

// BackendStatus is a snapshot of a backend's health.
type BackendStatus struct {
	Kind          BackendKind `json:"kind"`
	Name          string      `json:"name"`
	RecentFails   int         `json:"recent_failures"`
	Tripped       bool        `json:"tripped"`
	Probing       bool        `json:"probing"`
	LastFailure   time.Time   `json:"last_failure,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	RetryAt       time.Time   `json:"retry_at,omitempty"`
	Successes     uint64      `json:"successes"`
	FailuresTotal uint64      `json:"failures_total"`
	Skipped       uint64      `json:"skipped"`
	Probes        uint64      `json:"probes"`
}

// prune drops records that left the window.
func (h *health) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(h.failures) && now.Sub(h.failures[cut].At) > window {
		cut++
	}
	if cut > 0 {
		h.failures = append(h.failures[:0], h.failures[cut:]...)
	}
}

// admit decides whether the backend may take a request now. probe is set
// when the request is the single trial after a backoff.
func (h *health) admit(now time.Time, config Config) (ok, probe bool) {
	h.prune(now, config.FailureWindow)

	if h.tripped {
		if h.probing || now.Sub(h.lastFailure) < config.FailureBackoff {
			h.skipped++
			return false, false
		}
		h.probing = true
		h.probes++
		return true, true
	}
	if len(h.failures) >= config.MaxFailures {
		h.tripped = true
		h.skipped++
		return false, false
	}
	return true, false
}

func (h *health) success() {
	h.failures = h.failures[:0]
	h.tripped = false
	h.probing = false
	h.successes++
}

// failure appends a record. A failed probe keeps the backend tripped with a
// fresh last failure, which restarts the backoff.
func (h *health) failure(rec FailureRecord, err error, probe bool, config Config) {
	// The attempt may have outlived records that were in the window at admit.
	h.prune(rec.At, config.FailureWindow)
	h.failures = append(h.failures, rec)
	h.lastFailure = rec.At
	h.failuresTotal++
	if probe {
		h.probing = false
	}
	if err != nil {
		h.lastError = err.Error()
	}
	if len(h.failures) >= config.MaxFailures {
		h.tripped = true
	}
}

func (h *health) status(now time.Time, config Config) BackendStatus {
	h.prune(now, config.FailureWindow)

	st := BackendStatus{
		Kind:          h.kind,
		Name:          h.name,
		RecentFails:   len(h.failures),
		Tripped:       h.tripped,
		Probing:       h.probing,
		LastFailure:   h.lastFailure,
		LastError:     h.lastError,
		Successes:     h.successes,
		FailuresTotal: h.failuresTotal,
		Skipped:       h.skipped,
		Probes:        h.probes,
	}
	if h.tripped {
		st.RetryAt = h.lastFailure.Add(config.FailureBackoff)
	}
	return st
}
