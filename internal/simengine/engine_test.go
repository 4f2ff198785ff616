package simengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/journal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Device.Contexts = 4
	cfg.Device.Sessions = 8
	cfg.Device.LockFile = filepath.Join(dir, "lock")
	cfg.Device.Retry.MaxAttempts = 3
	cfg.Device.Retry.Timeout = 100 * time.Millisecond
	cfg.Journal.Dir = filepath.Join(dir, "journal")
	cfg.Sim.Sessions = 3
	cfg.Sim.Buffers = 4
	cfg.Sim.Width = 640
	cfg.Sim.Height = 480
	return cfg
}

func newEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpenStartsSessions(t *testing.T) {
	e := newEngine(t, testConfig(t))
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })

	sessions := e.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("%d sessions open", len(sessions))
	}
	seen := map[int]bool{}
	for _, s := range sessions {
		if s.State() != session.StateRunning {
			t.Fatalf("session %d in %v", s.Index(), s.State())
		}
		hw := s.HW()
		if seen[hw] {
			t.Errorf("context %d shared by two sessions", hw)
		}
		seen[hw] = true
		if got := e.Sim.InFlight(hw, types.PathFull); got != 4 {
			t.Errorf("session %d: %d output buffers in flight, want 4", s.Index(), got)
		}
		if got := e.Sim.InFlight(hw, types.PathAEM); got != statsBuffers {
			t.Errorf("session %d: %d aem buffers in flight", s.Index(), got)
		}
	}
	if got := e.Device.Contexts().Free(); got != 1 {
		t.Errorf("free contexts %d, want 1", got)
	}
}

func TestTickDeliversAndDonates(t *testing.T) {
	e := newEngine(t, testConfig(t))
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })

	s := e.Sessions()[0]
	hw := s.HW()
	// More ticks than supplied buffers: the donor keeps the path fed.
	for i := 0; i < 10; i++ {
		if n := e.Tick(); n == 0 {
			t.Fatalf("tick %d completed nothing", i)
		}
		waitFor(t, "output reprogrammed", func() bool { return e.Sim.InFlight(hw, types.PathFull) == 4 })
	}
	st := s.Stats()
	if st.Dropped != 0 {
		t.Errorf("%d frames landed in the reserved buffer", st.Dropped)
	}
	if st.Delivered < 10 {
		t.Errorf("delivered %d frames", st.Delivered)
	}
}

func TestRunWithJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = true
	cfg.Sim.FrameRate = 500
	e := newEngine(t, cfg)
	if _, err := e.Journal.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	waitFor(t, "frames", func() bool { return e.Sessions()[0].Stats().Delivered >= 20 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	filename := e.Journal.Status().Filename
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if e.Journal.Recording() {
		t.Error("journal still recording after Close")
	}
	msgs, err := journal.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) < 20 {
		t.Errorf("journal holds %d events", len(msgs))
	}
	if got := e.Device.Frames().InUse(); got != 0 {
		t.Errorf("%d frames leaked", got)
	}
}

func TestFaultInjectionRecovers(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })

	hw := e.Sessions()[1].HW()
	e.Sim.InjectFault(hw, 0x8000_0000)
	waitFor(t, "recovery", func() bool {
		st := e.Status()
		return !st.Recovering && st.LastRecovery != nil
	})

	last := e.Status().LastRecovery
	if diff := cmp.Diff([]int{0, 1, 2}, last.Sessions); diff != "" {
		t.Errorf("recovered sessions (-want +got):\n%s", diff)
	}
	for _, s := range e.Sessions() {
		if s.State() != session.StateRunning {
			t.Errorf("session %d in %v after recovery", s.Index(), s.State())
		}
	}
}

func TestStress(t *testing.T) {
	e := newEngine(t, testConfig(t))
	rep, err := e.Stress(context.Background(), 8, 20)
	if err != nil {
		t.Fatalf("stress: %v (%+v)", err, rep)
	}
	if rep.Started == 0 {
		t.Errorf("no round started: %+v", rep)
	}
	if total := rep.Started + rep.NoContext + rep.NoSession; total != 8*20 {
		t.Errorf("accounted %d rounds, want %d", total, 8*20)
	}
	if rep.Leaked != 0 {
		t.Errorf("%d contexts leaked", rep.Leaked)
	}
	if got := e.Device.Frames().InUse(); got != 0 {
		t.Errorf("%d frames leaked", got)
	}
}
