// Package health serves the liveness and readiness probes.
//
//   - GET /healthz answers 200 while the process is up.
//   - GET /readyz runs every [Checker] concurrently. A failing required check
//     answers 503 with status "fail". Failing optional checks alone answer
//     200 with status "degraded", so a stale field catalogue does not take the
//     service out of rotation.
//
// Each check reports its own status ("ok", "warn", "fail"), error text, and
// latency in the "checks" object.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/incidentql/internal/incidents"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 5 * time.Second

// Overall and per-check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusWarn     = "warn"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the "checks" object.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional failures degrade the service instead of failing readiness.
	Optional bool
}

// Pinger is satisfied by *database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database pings the incident store. Required.
func Database(p Pinger) Checker {
	return Checker{Name: "database", Check: p.Ping}
}

// Model fails when available reports that every model backend's breaker is
// open. Required.
func Model(available func() bool) Checker {
	return Checker{Name: "model", Check: func(context.Context) error {
		if !available() {
			return errors.New("all model backends are unavailable")
		}
		return nil
	}}
}

// Catalog compares the declared field catalogue with the live table in
// schema. Drift is reported but does not fail readiness.
func Catalog(q incidents.Querier, schema string) Checker {
	return Checker{Name: "catalog", Optional: true, Check: func(ctx context.Context) error {
		d, err := incidents.CheckDrift(ctx, q, schema)
		if err != nil {
			return err
		}
		if d.Empty() {
			return nil
		}
		if d.TableMissing {
			return fmt.Errorf("table %s.%s does not exist", schema, incidents.TableName)
		}
		var parts []string
		if len(d.Missing) > 0 {
			parts = append(parts, "missing "+strings.Join(d.Missing, ","))
		}
		if len(d.Extra) > 0 {
			parts = append(parts, "undeclared "+strings.Join(d.Extra, ","))
		}
		if len(d.Mismatched) > 0 {
			parts = append(parts, "type mismatch "+strings.Join(d.Mismatched, ","))
		}
		return fmt.Errorf("catalogue drift: %s", strings.Join(parts, "; "))
	}}
}

// CheckResult is one entry of the "checks" object.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	version  string
}

// New returns a handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithVersion reports v in every probe response.
func (h *Handler) WithVersion(v string) *Handler {
	h.version = v
	return h
}

// Healthz answers 200 unconditionally.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK, Version: h.version})
}

// Readyz runs the checks and answers 503 only when a required one fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every checker concurrently, each under its own deadline.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{
		Status:  StatusOK,
		Version: h.version,
		Checks:  make(map[string]CheckResult, len(h.checkers)),
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			start := time.Now()
			err := c.Check(cctx)
			cancel()

			res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusFail
				if c.Optional {
					res.Status = StatusWarn
				}
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.Status == StatusFail:
				rep.Status = StatusFail
			case res.Status == StatusWarn && rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register adds /healthz and /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
