// Package health reports the supervision state of managed connections and
// pollers and serves it over HTTP.
//
// Readiness follows the connections: the process is ready while every
// registered connection has an underlying connection and no poller is
// stopped against its will. A connection that is reconnecting or a poller
// waiting for its restart degrades the report without failing liveness.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the health of one component or of the whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Kind is the type of a supervised component
type Kind string

const (
	KindConnection Kind = "connection"
	KindPoller     Kind = "poller"
)

// Component is the state of one supervised component
type Component struct {
	Name    string                 `json:"name"`
	Kind    Kind                   `json:"kind"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker reports one component. Checks read in-memory state only.
type Checker interface {
	Name() string
	Check() Component
}

// Summary counts the components of one kind per status
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

func (s *Summary) add(status Status) {
	s.Total++
	switch status {
	case StatusHealthy:
		s.Healthy++
	case StatusDegraded:
		s.Degraded++
	default:
		s.Unhealthy++
	}
}

// Report is a snapshot of every registered component
type Report struct {
	Status      Status            `json:"status"`
	Ready       bool              `json:"ready"`
	Timestamp   time.Time         `json:"timestamp"`
	Connections Summary           `json:"connections"`
	Pollers     Summary           `json:"pollers"`
	Components  []Component       `json:"components"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Component returns the component with the given name
func (r Report) Component(name string) (Component, bool) {
	for _, c := range r.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}

// NotReady returns the names of the components that keep the report from
// being ready
func (r Report) NotReady() []string {
	var names []string
	for _, c := range r.Components {
		if blocksReadiness(c) {
			names = append(names, c.Name)
		}
	}
	return names
}

func blocksReadiness(c Component) bool {
	if c.Kind == KindConnection {
		return c.Status != StatusHealthy
	}
	return c.Status == StatusUnhealthy
}

// Registry holds the checkers of the supervised components
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Report checks every component. An empty registry is healthy and ready.
func (r *Registry) Report() Report {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Timestamp:  time.Now(),
		Components: make([]Component, 0, len(checkers)),
		Metadata:   metadata,
	}
	for _, checker := range checkers {
		c := checker.Check()
		if c.Name == "" {
			c.Name = checker.Name()
		}
		report.Components = append(report.Components, c)
		report.Status = worst(report.Status, c.Status)
		if blocksReadiness(c) {
			report.Ready = false
		}

		switch c.Kind {
		case KindConnection:
			report.Connections.add(c.Status)
		case KindPoller:
			report.Pollers.add(c.Status)
		}
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Handler serves the full report as JSON
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a handler. A nil logger means slog.Default().
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

// ServeHTTP answers 503 when unhealthy; degraded is still 200
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report := h.registry.Report()
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		h.logger.Error("failed to encode health report", "error", err)
		http.Error(w, "failed to encode health report", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(append(body, '\n')); err != nil {
		h.logger.Debug("failed to write health report", "error", err)
	}
}

// ReadinessHandler answers 200 while the report is ready and 503 naming the
// blocking components otherwise
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := registry.Report()
		if !report.Ready {
			http.Error(w, "not ready: "+strings.Join(report.NotReady(), ", "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers alive. Reconnection is unbounded so a
// broken connection is never a reason to restart the process.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}
}
