package modhost

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ModuleState is the coarse state reported by Status.
type ModuleState string

const (
	StateActive   ModuleState = "active"
	StateInactive ModuleState = "inactive"
	StateLoading  ModuleState = "loading"
	StateFailed   ModuleState = "failed"
)

// ModuleStatus is the observable status of one module.
type ModuleStatus struct {
	ID            string      `json:"id"`
	Version       string      `json:"version"`
	State         ModuleState `json:"state"`
	IsLoaded      bool        `json:"isLoaded"`
	IsActive      bool        `json:"isActive"`
	IsInitialized bool        `json:"isInitialized"`
	Error         string      `json:"error,omitempty"`
	Dependencies  []string    `json:"dependencies,omitempty"`
	LoadedAt      time.Time   `json:"loadedAt"`
	LastActivity  time.Time   `json:"lastActivity"`
}

// Summary aggregates module counts.
type Summary struct {
	Total       int `json:"total"`
	Initialized int `json:"initialized"`
	Loaded      int `json:"loaded"`
	Active      int `json:"active"`
	Failed      int `json:"failed"`
	Loading     int `json:"loading"`
}

// Status returns the status of one module.
func (r *Registry) Status(id string) (ModuleStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[id]
	if !ok {
		return ModuleStatus{}, false
	}
	return r.statusLocked(id, rec), true
}

// Statuses returns the status of every module in registration order.
func (r *Registry) Statuses() []ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleStatus, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.statusLocked(id, r.modules[id]))
	}
	return out
}

func (r *Registry) statusLocked(id string, rec *record) ModuleStatus {
	st := ModuleStatus{
		ID:            id,
		Version:       rec.config.Version,
		IsLoaded:      rec.loaded,
		IsActive:      rec.active,
		IsInitialized: rec.initialized,
		Dependencies:  slices.Clone(rec.config.Dependencies),
		LoadedAt:      rec.loadedAt,
		LastActivity:  rec.lastActivity,
	}
	if rec.err != nil {
		st.Error = rec.err.Error()
	}

	_, loading := r.loading[id]
	switch {
	case loading:
		st.State = StateLoading
	case rec.err != nil:
		st.State = StateFailed
	case rec.active:
		st.State = StateActive
	default:
		st.State = StateInactive
	}
	return st
}

// Summary counts modules by state. In-flight constructions of modules not
// yet in the registry are counted as loading.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{Total: len(r.modules), Loading: len(r.loading)}
	for _, rec := range r.modules {
		if rec.initialized {
			s.Initialized++
		}
		if rec.loaded {
			s.Loaded++
		}
		if rec.active {
			s.Active++
		}
		if rec.err != nil {
			s.Failed++
		}
	}
	return s
}

// Diagnose renders a human readable report of failed modules.
func (r *Registry) Diagnose() string {
	summary := r.Summary()
	statuses := r.Statuses()

	var b strings.Builder
	fmt.Fprintf(&b, "modules: %d total, %d initialized, %d loaded, %d active, %d failed, %d loading\n",
		summary.Total, summary.Initialized, summary.Loaded, summary.Active, summary.Failed, summary.Loading)

	if summary.Failed == 0 {
		b.WriteString("no failed modules\n")
		return b.String()
	}

	b.WriteString("failed modules:\n")
	for _, st := range statuses {
		if st.State != StateFailed && st.Error == "" {
			continue
		}
		fmt.Fprintf(&b, "  - %s", st.ID)
		if st.Version != "" {
			fmt.Fprintf(&b, " (v%s)", st.Version)
		}
		fmt.Fprintf(&b, ": %s\n", st.Error)
		if len(st.Dependencies) > 0 {
			fmt.Fprintf(&b, "    dependencies: %s\n", strings.Join(st.Dependencies, ", "))
		}
		if !st.LastActivity.IsZero() {
			fmt.Fprintf(&b, "    last activity: %s\n", st.LastActivity.Format(time.RFC3339))
		}
	}
	return b.String()
}
