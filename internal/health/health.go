// Package health serves the liveness and readiness checks.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// ReadinessFunc adapts a function to ReadinessReporter.
type ReadinessFunc func() (bool, []int32)

func (f ReadinessFunc) Readiness() (bool, []int32) { return f() }

// All is ready when every reporter is. Partitions are concatenated.
func All(rs ...ReadinessReporter) ReadinessReporter {
	return ReadinessFunc(func() (bool, []int32) {
		var parts []int32
		for _, r := range rs {
			ok, p := r.Readiness()
			if !ok {
				return false, nil
			}
			parts = append(parts, p...)
		}
		return true, parts
	})
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		ready, parts := rr.Readiness()
		out := resp{Status: "not_ready"}
		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
