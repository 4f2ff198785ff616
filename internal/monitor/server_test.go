package monitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/device"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/journal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

type fakeEngine struct {
	status   device.Status
	resetErr error
	reasons  []string
}

func (f *fakeEngine) Status() device.Status { return f.status }

func (f *fakeEngine) RequestReset(ctx context.Context, reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.resetErr
}

func newTestServer(t *testing.T, eng *fakeEngine, j *journal.Journal) (*httptest.Server, *events.Fanout) {
	t.Helper()
	fan := events.NewFanout()
	srv := NewServer(Config{StatusInterval: 10 * time.Millisecond, EventBuffer: 8}, eng, fan, j, metrics.New().Handler())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		fan.Close()
		ts.Close()
	})
	return ts, fan
}

func TestStatus(t *testing.T) {
	eng := &fakeEngine{status: device.Status{Users: 1, FreeContexts: 3}}
	ts, _ := newTestServer(t, eng, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		Device device.Status `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(eng.status, got.Device); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (kind, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return kind, data
		}
	}
}

func subscribe(t *testing.T, ts *httptest.Server, fan *events.Fanout, query, accept string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/events"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for fan.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	return bufio.NewReader(resp.Body)
}

func TestEventStreamJSON(t *testing.T) {
	ts, fan := newTestServer(t, &fakeEngine{}, nil)
	r := subscribe(t, ts, fan, "?kind=recovery_done", "")

	fan.HandleEvent(events.DataReady{Session: 1, Path: types.PathFull})
	fan.HandleEvent(events.RecoveryDone{Sessions: []int{1}, Cause: "fault"})

	kind, data := readEvent(t, r)
	if kind != "recovery_done" {
		t.Fatalf("first streamed event %q, filter not applied", kind)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatal(err)
	}
	if m["cause"] != "fault" {
		t.Errorf("payload %v", m)
	}
}

func TestEventStreamProtobuf(t *testing.T) {
	ts, fan := newTestServer(t, &fakeEngine{}, nil)
	r := subscribe(t, ts, fan, "", "application/x-protobuf")

	fan.HandleEvent(events.BufferReturned{Session: 4, Path: types.PathBin, UserTag: 12, Reason: events.ReturnStopped})
	_, data := readEvent(t, r)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatal(err)
	}
	m, err := events.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m["kind"] != "buffer_returned" || m["session"] != float64(4) || m["user_tag"] != float64(12) {
		t.Errorf("decoded %v", m)
	}
}

func TestReset(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"busy", device.ErrRecoveryInProgress, http.StatusConflict},
		{"disabled", device.ErrNotEnabled, http.StatusServiceUnavailable},
		{"degraded", errors.New("session 2 lost"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{resetErr: tt.err}
			ts, _ := newTestServer(t, eng, nil)
			resp, err := http.Post(ts.URL+"/api/reset?reason=wedged", "", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.code)
			}
			if !cmp.Equal(eng.reasons, []string{"wedged"}) {
				t.Errorf("reasons %v", eng.reasons)
			}
		})
	}

	ts, _ := newTestServer(t, &fakeEngine{}, nil)
	resp, err := http.Get(ts.URL + "/api/reset")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET reset status %d", resp.StatusCode)
	}
}

func TestJournalEndpoints(t *testing.T) {
	j := journal.New(t.TempDir(), 8)
	ts, _ := newTestServer(t, &fakeEngine{}, j)

	post := func(path string) int {
		resp, err := http.Post(ts.URL+path, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("/api/journal/stop"); code != http.StatusBadRequest {
		t.Errorf("stop before start: %d", code)
	}
	if code := post("/api/journal/start"); code != http.StatusOK {
		t.Errorf("start: %d", code)
	}
	if !j.Recording() {
		t.Fatal("journal not recording")
	}
	if code := post("/api/journal/start"); code != http.StatusBadRequest {
		t.Errorf("second start: %d", code)
	}
	if code := post("/api/journal/stop"); code != http.StatusOK {
		t.Errorf("stop: %d", code)
	}

	ts2, _ := newTestServer(t, &fakeEngine{}, nil)
	resp, err := http.Get(ts2.URL + "/api/journal/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status without journal: %d", resp.StatusCode)
	}
}

func TestIndexAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{}, nil)
	for path, want := range map[string]string{
		"/":        "Capture Engine Monitor",
		"/metrics": "capture_session_starts_total",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), want) {
			t.Errorf("%s does not contain %q", path, want)
		}
	}
}
