package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/hwctx"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/iommu"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/path"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/statis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

type rig struct {
	sim  *hal.Sim
	ctxs *hwctx.Pool
	dom  *iommu.Domain
	pool *frame.Pool
	rec  *events.Recorder
}

func newRig(t *testing.T, nhw int, seqContexts ...int) *rig {
	t.Helper()
	r := &rig{
		sim:  hal.NewSim(nhw, seqContexts...),
		ctxs: hwctx.NewPool(nhw),
		dom:  iommu.NewDomain(0x1000_0000, 1<<32),
		pool: frame.NewPool(512),
		rec:  &events.Recorder{},
	}
	for id, hw := range r.sim.Sequencers() {
		if err := r.ctxs.AttachSequencer(hw, id); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func (r *rig) deps() Deps {
	return Deps{
		HAL:       r.sim,
		Sequencer: r.sim,
		Contexts:  r.ctxs,
		Frames:    r.pool,
		Mapper:    r.dom,
		Handler:   r.rec,
		Retry: hwctx.RetryPolicy{
			Interval:    time.Millisecond,
			MaxInterval: 2 * time.Millisecond,
			MaxAttempts: 3,
			Timeout:     50 * time.Millisecond,
		},
		Capacity:     path.Capacity{Out: 8, Result: 8, Reserved: 2, Alt: 2},
		StatsDepth:   2,
		RecycleStats: true,
	}
}

// open returns an open session whose interrupts, on every context, are
// routed to it.
func (r *rig) open(t *testing.T, idx int, d Deps) *Session {
	t.Helper()
	s := New(idx, d)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func (r *rig) route(t *testing.T, s *Session) {
	t.Helper()
	for hw := 0; hw < r.ctxs.Len(); hw++ {
		if err := r.sim.RequestIRQ(hw, func(irq hal.IRQ) { s.PostIRQ(irq) }); err != nil {
			t.Fatal(err)
		}
	}
}

func (r *rig) plain(t *testing.T, handle int32) *frame.Frame {
	t.Helper()
	f, err := r.pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	f.UserTag = uint64(handle)
	f.Backing = frame.Plain{Buf: iommu.NewBuffer(handle, 0, 1<<20)}
	return f
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

func dataReady(rec *events.Recorder) []events.DataReady {
	var out []events.DataReady
	for _, e := range rec.Events() {
		if d, ok := e.(events.DataReady); ok {
			out = append(out, d)
		}
	}
	return out
}

func dynamic() StartOptions {
	return StartOptions{FixedHW: NoHW}
}

func TestStartProgramsQueuedBuffers(t *testing.T) {
	r := newRig(t, 2)
	s := r.open(t, 0, r.deps())
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	for h := int32(1); h <= 5; h++ {
		if err := s.SupplyOutput(types.PathFull, r.plain(t, h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	hw := s.HW()
	if s.State() != StateRunning || hw == NoHW {
		t.Fatalf("state=%v hw=%d", s.State(), hw)
	}
	if got := r.sim.InFlight(hw, types.PathFull); got != 5 {
		t.Errorf("programmed %d buffers, want 5", got)
	}
	if got := s.Path(types.PathFull).Pending(); got != 0 {
		t.Errorf("%d buffers left in output queue", got)
	}
	if bound, _ := r.ctxs.BoundSession(hw); bound != 0 {
		t.Errorf("context %d bound to %d", hw, bound)
	}
}

func TestRetireDeliversInOrder(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	r.route(t, s)
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfigureSize(types.PathFull, path.SizeConfig{Width: 640, Height: 480}); err != nil {
		t.Fatal(err)
	}
	for h := int32(1); h <= 3; h++ {
		if err := s.SupplyOutput(types.PathFull, r.plain(t, h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	r.sim.Complete(0, types.PathFull)
	r.sim.Complete(0, types.PathFull)
	waitFor(t, "two frames", func() bool { return len(dataReady(r.rec)) == 2 })

	got := dataReady(r.rec)
	if got[0].UserTag != 1 || got[1].UserTag != 2 {
		t.Errorf("delivery order %d, %d", got[0].UserTag, got[1].UserTag)
	}
	if got[0].Width != 640 || got[0].Height != 480 {
		t.Errorf("frame size %dx%d", got[0].Width, got[0].Height)
	}
	if got[1].FrameNum <= got[0].FrameNum {
		t.Errorf("frame numbers not increasing: %d, %d", got[0].FrameNum, got[1].FrameNum)
	}
	if st := s.Stats(); st.Delivered != 2 {
		t.Errorf("stats %+v", st)
	}
	// Delivered buffers are unmapped and given back.
	waitFor(t, "unmap", func() bool { return r.dom.Live() == 1+1 })
}

func TestStopRequeuesAndUnbinds(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	for h := int32(1); h <= 4; h++ {
		f := r.plain(t, h)
		f.ReturnToCaller = h == 3
		if err := s.SupplyOutput(types.PathFull, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background(), StopOptions{}); err != nil {
		t.Fatal(err)
	}

	if s.State() != StateIdle || s.HW() != NoHW || r.ctxs.Free() != 1 {
		t.Fatalf("after stop: state=%v hw=%d free=%d", s.State(), s.HW(), r.ctxs.Free())
	}
	if r.sim.Resets(0) != 1 || r.sim.Running(0) {
		t.Errorf("hardware not halted: resets=%d running=%v", r.sim.Resets(0), r.sim.Running(0))
	}
	if got := s.Path(types.PathFull).Pending(); got != 3 {
		t.Errorf("requeued %d, want 3", got)
	}
	ret := r.rec.Events()
	if len(ret) != 1 {
		t.Fatalf("events %v", ret)
	}
	got, ok := ret[0].(events.BufferReturned)
	if !ok {
		t.Fatalf("event %T", ret[0])
	}
	want := events.BufferReturned{Session: 0, Path: types.PathFull, FrameID: got.FrameID, UserTag: 3, Reason: events.ReturnStopped}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("returned event (-want +got):\n%s", diff)
	}
	if a := s.Path(types.PathFull).Accounting(); !a.Balanced() {
		t.Errorf("accounting %+v", a)
	}

	// The requeued buffers are programmed again on the next start.
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if got := r.sim.InFlight(0, types.PathFull); got != 3 {
		t.Errorf("reprogrammed %d", got)
	}
}

func TestStopWaitsForWorkerBeforeReset(t *testing.T) {
	r := newRig(t, 1)
	d := r.deps()
	d.Donor = &donor{r: r, t: t}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d.Handler = events.Multi{r.rec, events.HandlerFunc(func(e events.Event) {
		if _, ok := e.(events.DataReady); ok {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})}
	s := r.open(t, 0, d)
	r.route(t, s)
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	for h := int32(1); h <= 4; h++ {
		if err := s.SupplyOutput(types.PathFull, r.plain(t, h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	hw := s.HW()

	// The worker blocks in the first delivery with the rest queued behind
	// it; each one it still handles reprograms a donated buffer.
	for i := 0; i < 4; i++ {
		if !r.sim.Complete(hw, types.PathFull) {
			t.Fatalf("complete %d: nothing in flight", i)
		}
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background(), StopOptions{}) }()
	waitFor(t, "hardware stop", func() bool { return !r.sim.Running(hw) })
	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	if got := r.sim.InFlight(hw, types.PathFull); got != 0 {
		t.Errorf("%d buffers programmed on the context after stop", got)
	}
	if r.sim.Resets(hw) != 1 {
		t.Errorf("resets %d", r.sim.Resets(hw))
	}
	p := s.Path(types.PathFull)
	if got := p.InFlight(); got != 0 {
		t.Errorf("path holds %d frames in flight after stop", got)
	}
	if a := p.Accounting(); !a.Balanced() {
		t.Errorf("accounting %+v", a)
	}
	if s.HW() != NoHW || r.ctxs.Free() != 1 {
		t.Errorf("hw=%d free=%d", s.HW(), r.ctxs.Free())
	}
}

// refusingHAL rejects the next n buffer programs.
type refusingHAL struct {
	*hal.Sim
	n atomic.Int32
}

func (h *refusingHAL) ProgramPath(hw int, kind types.PathKind, p hal.PathParams) error {
	if p.Addr != 0 && h.n.Add(-1) >= 0 {
		return errors.New("descriptor rejected")
	}
	return h.Sim.ProgramPath(hw, kind, p)
}

func TestProgramFailureRequeues(t *testing.T) {
	r := newRig(t, 1)
	d := r.deps()
	h := &refusingHAL{Sim: r.sim}
	d.HAL = h
	s := r.open(t, 0, d)
	r.route(t, s)
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	for tag := int32(1); tag <= 3; tag++ {
		if err := s.SupplyOutput(types.PathFull, r.plain(t, tag)); err != nil {
			t.Fatal(err)
		}
	}

	h.n.Store(1)
	if err := s.Start(context.Background(), dynamic()); err == nil {
		t.Fatal("start succeeded with a refused buffer")
	}
	if s.State() != StateIdle || r.ctxs.Free() != 1 {
		t.Errorf("after failed start: state=%v free=%d", s.State(), r.ctxs.Free())
	}
	a := s.Path(types.PathFull).Accounting()
	if a.Result != 0 || a.Out != 3 || !a.Balanced() {
		t.Fatalf("after failed start: %+v", a)
	}

	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := r.sim.InFlight(0, types.PathFull); got != 3 {
		t.Fatalf("in flight %d", got)
	}
	for i := 0; i < 3; i++ {
		r.sim.Complete(0, types.PathFull)
	}
	waitFor(t, "delivery", func() bool { return len(dataReady(r.rec)) == 3 })
	var order []uint64
	for _, ev := range dataReady(r.rec) {
		order = append(order, ev.UserTag)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, order); diff != "" {
		t.Errorf("delivery order (-want +got):\n%s", diff)
	}
}

func TestRefusedSupplyStaysQueued(t *testing.T) {
	r := newRig(t, 1)
	d := r.deps()
	h := &refusingHAL{Sim: r.sim}
	d.HAL = h
	s := r.open(t, 0, d)
	if err := s.AcquirePath(types.PathBin); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	h.n.Store(1)
	if err := s.SupplyOutput(types.PathBin, r.plain(t, 7)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	p := s.Path(types.PathBin)
	if p.InFlight() != 0 || p.Pending() != 1 {
		t.Fatalf("inflight=%d pending=%d", p.InFlight(), p.Pending())
	}
	// The next supply finds nothing in flight and programs the older one.
	if err := s.SupplyOutput(types.PathBin, r.plain(t, 8)); err != nil {
		t.Fatal(err)
	}
	hist := r.sim.History(0, types.PathBin)
	if len(hist) == 0 || r.sim.InFlight(0, types.PathBin) != 1 {
		t.Fatalf("history %v", hist)
	}
	if p.InFlight() != 1 || p.Pending() != 1 {
		t.Errorf("inflight=%d pending=%d", p.InFlight(), p.Pending())
	}
}

func TestPauseKeepsBinding(t *testing.T) {
	r := newRig(t, 2)
	s := r.open(t, 1, r.deps())
	if err := s.AcquirePath(types.PathBin); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), StartOptions{FixedHW: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background(), StopOptions{Pause: true}); err != nil {
		t.Fatal(err)
	}
	if bound, ok := r.ctxs.BoundSession(1); !ok || bound != 1 {
		t.Fatalf("pause dropped binding: %d %v", bound, ok)
	}
	if stops := r.sim.Stops(1); len(stops) != 1 || stops[0] != types.StopPause {
		t.Errorf("stop reasons %v", stops)
	}
	if err := s.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateRunning || s.HW() != 1 {
		t.Errorf("resume: state=%v hw=%d", s.State(), s.HW())
	}
	if err := s.Resume(context.Background()); !errors.Is(err, ErrBadState) {
		t.Errorf("resume while running = %v", err)
	}
}

func TestReservedAbsorbsStarvation(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	r.route(t, s)
	if err := s.AcquirePath(types.PathBin); err != nil {
		t.Fatal(err)
	}
	if err := s.SupplyReserved(types.PathBin, r.plain(t, 50)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if got := r.sim.InFlight(0, types.PathBin); got != 1 {
		t.Fatalf("in flight %d, want the reserved buffer", got)
	}
	for i := 0; i < 3; i++ {
		r.sim.Complete(0, types.PathBin)
		n := uint64(i + 1)
		waitFor(t, "drop", func() bool { return s.Stats().Dropped == n })
	}
	waitFor(t, "reprogram", func() bool { return r.sim.InFlight(0, types.PathBin) == 1 })
	if len(dataReady(r.rec)) != 0 {
		t.Error("reserved write delivered to caller")
	}
	if got := s.Path(types.PathBin).Accounting().Reserved; got == 0 {
		t.Error("reserved queue emptied")
	}
}

type donor struct {
	r *rig
	t *testing.T
	n int
}

func (d *donor) DonateBuffer(session int, kind types.PathKind) (*frame.Frame, bool) {
	d.n++
	return d.r.plain(d.t, int32(1000+d.n)), true
}

func TestDonorFillsEmptyPath(t *testing.T) {
	r := newRig(t, 1)
	d := r.deps()
	dn := &donor{r: r, t: t}
	d.Donor = dn
	s := r.open(t, 0, d)
	if err := s.AcquirePath(types.PathRaw); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if dn.n != 1 || r.sim.InFlight(0, types.PathRaw) != 1 {
		t.Errorf("donated=%d inflight=%d", dn.n, r.sim.InFlight(0, types.PathRaw))
	}
}

func TestStatisticsFlow(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	r.route(t, s)
	if err := s.InitStatis(statis.DefaultTuning()); err != nil {
		t.Fatal(err)
	}
	bufs := []statis.UserBuffer{{Handle: 10, Size: 4096}, {Handle: 11, Size: 4096}}
	if err := s.RegisterStatis(types.PathAEM, bufs); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if got := r.sim.InFlight(0, types.PathAEM); got != 2 {
		t.Fatalf("aem in flight %d", got)
	}
	if got := r.sim.InFlight(0, types.PathAFM); got != 1 {
		t.Errorf("afm without buffers should run on its reserved buffer, in flight %d", got)
	}

	r.sim.Complete(0, types.PathAEM)
	waitFor(t, "stats frame", func() bool { return len(dataReady(r.rec)) == 1 })
	if ev := dataReady(r.rec)[0]; ev.Path != types.PathAEM || len(ev.Data) != 4096 {
		t.Errorf("stats event path=%v data=%d", ev.Path, len(ev.Data))
	}
	// The buffer is recycled and programmed again.
	waitFor(t, "recycle", func() bool { return r.sim.InFlight(0, types.PathAEM) == 2 })
}

func TestRegisterStatisWhileRunning(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	r.route(t, s)
	if err := s.InitStatis(statis.DefaultTuning()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetShutoff(types.PathAEM, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if got := r.sim.InFlight(0, types.PathAEM); got != 0 {
		t.Fatalf("shut off channel programmed: %d", got)
	}
	if err := s.SetShutoff(types.PathAEM, false); err != nil {
		t.Fatal(err)
	}

	bufs := []statis.UserBuffer{{Handle: 20, Size: 4096}, {Handle: 21, Size: 4096}}
	if err := s.RegisterStatis(types.PathAEM, bufs); err != nil {
		t.Fatal(err)
	}
	if got := r.sim.InFlight(0, types.PathAEM); got != 1 {
		t.Fatalf("aem in flight %d after register", got)
	}
	r.sim.Complete(0, types.PathAEM)
	waitFor(t, "stats frame", func() bool { return len(dataReady(r.rec)) == 1 })
	if ev := dataReady(r.rec)[0]; ev.Path != types.PathAEM {
		t.Errorf("delivered on %v", ev.Path)
	}
	waitFor(t, "next stats buffer", func() bool { return r.sim.InFlight(0, types.PathAEM) == 1 })
}

func TestSceneBlocks(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	base := r.dom.Live()
	if base != 1 {
		t.Fatalf("main scene scratch not mapped: live=%d", base)
	}
	if err := s.AcquireScene(2); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireScene(2); err != nil {
		t.Fatal(err)
	}
	if s.SceneUsers(2) != 2 || r.dom.Live() != 2 {
		t.Fatalf("users=%d live=%d", s.SceneUsers(2), r.dom.Live())
	}
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if got := r.ctxs.SceneBlock(0, 2); got != 2 {
		t.Errorf("scene 2 block = %d", got)
	}
	if got := r.ctxs.SceneBlock(0, 1); got != hwctx.NoBlock {
		t.Errorf("unused scene 1 block = %d", got)
	}
	_ = s.ReleaseScene(2)
	_ = s.ReleaseScene(2)
	if r.ctxs.SceneBlock(0, 2) != hwctx.NoBlock || r.dom.Live() != 1 {
		t.Errorf("scene not torn down: block=%d live=%d", r.ctxs.SceneBlock(0, 2), r.dom.Live())
	}
	if err := s.ReleaseScene(2); !errors.Is(err, ErrBadScene) {
		t.Errorf("extra release = %v", err)
	}
	if err := s.AcquireScene(0); !errors.Is(err, ErrBadScene) {
		t.Errorf("acquire of main scene = %v", err)
	}
}

func TestStateChecks(t *testing.T) {
	r := newRig(t, 1)
	s := New(0, r.deps())
	if err := s.AcquirePath(types.PathFull); !errors.Is(err, ErrBadState) {
		t.Errorf("acquire before open = %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Open(); !errors.Is(err, ErrBadState) {
		t.Errorf("second open = %v", err)
	}
	if err := s.AcquirePath(types.PathAEM); !errors.Is(err, ErrBadPath) {
		t.Errorf("acquire of stats channel = %v", err)
	}
	if err := s.Stop(context.Background(), StopOptions{}); !errors.Is(err, ErrBadState) {
		t.Errorf("stop while idle = %v", err)
	}
	if err := s.InitStatis(statis.DefaultTuning()); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleasePath(types.PathAEM); !errors.Is(err, ErrBadPath) {
		t.Errorf("release of stats channel = %v", err)
	}
	if !s.Path(types.PathAEM).Acquired() {
		t.Error("stats channel released through ReleasePath")
	}
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); !errors.Is(err, ErrBadState) {
		t.Errorf("second start = %v", err)
	}
	if err := s.ReleasePath(types.PathFull); !errors.Is(err, ErrBadState) {
		t.Errorf("release while running = %v", err)
	}
}

func TestStartFailureReleasesBinding(t *testing.T) {
	r := newRig(t, 1)
	s := r.open(t, 0, r.deps())
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.SupplyOutput(types.PathFull, r.plain(t, 1)); err != nil {
		t.Fatal(err)
	}
	r.sim.FailStart(func(int) error { return errors.New("engine busy") })
	if err := s.Start(context.Background(), dynamic()); err == nil {
		t.Fatal("start succeeded")
	}
	if s.State() != StateIdle || r.ctxs.Free() != 1 {
		t.Errorf("state=%v free=%d", s.State(), r.ctxs.Free())
	}
	if got := s.Path(types.PathFull).Pending(); got != 1 {
		t.Errorf("buffer lost on failed start: pending=%d", got)
	}
}

func TestSlowMotionNeedsSequencer(t *testing.T) {
	r := newRig(t, 2, 1)
	s := r.open(t, 0, r.deps())
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), StartOptions{FixedHW: NoHW, SlowMotion: 4}); err != nil {
		t.Fatal(err)
	}
	if s.HW() != 1 || !r.sim.SequencerRunning(1) {
		t.Errorf("hw=%d sequencer running=%v", s.HW(), r.sim.SequencerRunning(1))
	}
	if err := s.Stop(context.Background(), StopOptions{}); err != nil {
		t.Fatal(err)
	}
	if r.sim.SequencerRunning(1) {
		t.Error("sequencer still running")
	}

	d := r.deps()
	d.Sequencer = nil
	s2 := r.open(t, 1, d)
	if err := s2.Start(context.Background(), StartOptions{FixedHW: NoHW, SlowMotion: 2}); !errors.Is(err, ErrNoSequencer) {
		t.Errorf("slow motion without sequencer = %v", err)
	}
}

func TestFaultEscalates(t *testing.T) {
	r := newRig(t, 1)
	causes := make(chan error, 1)
	d := r.deps()
	d.Escalate = func(err error) { causes <- err }
	s := r.open(t, 0, d)
	r.route(t, s)
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), dynamic()); err != nil {
		t.Fatal(err)
	}
	r.sim.InjectFault(0, 0xdead)

	select {
	case err := <-causes:
		var fe *hal.FaultError
		if !errors.As(err, &fe) || fe.Status != 0xdead {
			t.Errorf("escalated %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault not escalated")
	}
	waitFor(t, "error event", func() bool { return r.rec.Count(events.KindError) == 1 })
}

func TestDisconnectReconnectRestoresSizes(t *testing.T) {
	r := newRig(t, 2)
	s := r.open(t, 0, r.deps())
	if err := s.AcquirePath(types.PathFull); err != nil {
		t.Fatal(err)
	}
	want := path.SizeConfig{Width: 1920, Height: 1080}
	if err := s.ConfigureSize(types.PathFull, want); err != nil {
		t.Fatal(err)
	}
	for h := int32(1); h <= 2; h++ {
		if err := s.SupplyOutput(types.PathFull, r.plain(t, h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(context.Background(), StartOptions{FixedHW: 1}); err != nil {
		t.Fatal(err)
	}

	snap, ok := s.Disconnect()
	if !ok || s.State() != StateRecovering || r.ctxs.Free() != 2 {
		t.Fatalf("disconnect: ok=%v state=%v free=%d", ok, s.State(), r.ctxs.Free())
	}
	if err := r.sim.Reset(1); err != nil {
		t.Fatal(err)
	}
	r.sim.ClearHistory()

	if err := s.Reconnect(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateRunning || s.HW() != 1 {
		t.Fatalf("reconnect: state=%v hw=%d", s.State(), s.HW())
	}
	if copies := r.sim.Copies(1); len(copies) != 1 || !copies[0].Has(types.PathFull) {
		t.Errorf("size not force-copied again: %v", copies)
	}
	hist := r.sim.History(1, types.PathFull)
	if len(hist) != 3 {
		t.Fatalf("history %v", hist)
	}
	for _, p := range hist {
		if p.Width != want.Width || p.Height != want.Height {
			t.Errorf("programmed %dx%d", p.Width, p.Height)
		}
	}
	if _, ok := s.Disconnect(); !ok {
		t.Error("second disconnect refused")
	}
	s.Abandon()
	if s.State() != StateIdle {
		t.Errorf("abandon left %v", s.State())
	}
}
