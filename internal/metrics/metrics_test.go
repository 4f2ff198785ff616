package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Starts.Add(2)
	m.ObserveFrame(types.PathAEM)
	m.ObserveFrame(types.PathAEM)
	m.ObserveBind("dynamic", nil)
	m.ObserveBind("fixed", errors.New("busy"))
	m.ObserveRecovery(40*time.Millisecond, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"capture_session_starts_total 2",
		"capture_frames_delivered_total 2",
		`capture_path_frames_total{path="aem"} 2`,
		`capture_binds_total{mode="dynamic",result="ok"} 1`,
		`capture_binds_total{mode="fixed",result="failed"} 1`,
		"capture_recoveries_total 1",
		"capture_recovery_failures_total 1",
		"capture_recovery_latency_ms 40",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Faults.Add(1)
	if b.Faults.Load() != 0 {
		t.Error("metrics shared between instances")
	}
}
