// Package journal records engine events to disk as length-delimited
// protobuf messages.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

var (
	ErrRecording    = errors.New("journal: already recording")
	ErrNotRecording = errors.New("journal: not recording")
)

// Journal writes events to a file
type Journal struct {
	dir    string
	buffer int

	mu        sync.RWMutex
	file      *os.File
	w         *bufio.Writer
	filename  string
	recording bool
	startTime time.Time
	ch        chan events.Event
	wg        sync.WaitGroup

	written atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// New creates a journal writing under dir
func New(dir string, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	return &Journal{dir: dir, buffer: buffer}
}

// Start starts a new journal file and returns its path
func (j *Journal) Start() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.recording {
		return "", ErrRecording
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create journal dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405.000")
	filename := filepath.Join(j.dir, fmt.Sprintf("events_%s.pb", timestamp))
	file, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	j.file = file
	j.w = bufio.NewWriter(file)
	j.filename = filename
	j.recording = true
	j.startTime = time.Now()
	j.written.Store(0)
	j.bytes.Store(0)
	j.dropped.Store(0)
	j.ch = make(chan events.Event, j.buffer)

	j.wg.Add(1)
	go j.writeEvents(j.ch)

	logger.Info("Journal", "recording events to %s", filename)
	return filename, nil
}

// Stop flushes queued events and closes the file
func (j *Journal) Stop() error {
	j.mu.Lock()
	if !j.recording {
		j.mu.Unlock()
		return ErrNotRecording
	}
	j.recording = false
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.w.Flush()
	if serr := j.file.Sync(); err == nil {
		err = serr
	}
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	j.w = nil
	logger.Info("Journal", "closed %s: %d events, %d dropped", j.filename, j.written.Load(), j.dropped.Load())
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// HandleEvent queues an event for writing (non-blocking). Events arriving
// while the writer is behind are dropped.
func (j *Journal) HandleEvent(e events.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.recording {
		return
	}
	select {
	case j.ch <- e:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) writeEvents(ch <-chan events.Event) {
	defer j.wg.Done()
	for e := range ch {
		j.writeEvent(e)
	}
}

func (j *Journal) writeEvent(e events.Event) {
	msg, err := events.Message(e)
	if err != nil {
		logger.Warn("Journal", "skip %v: %v", e.Kind(), err)
		return
	}
	j.mu.RLock()
	w := j.w
	j.mu.RUnlock()
	n, err := protodelim.MarshalTo(w, msg)
	if err != nil {
		logger.Error("Journal", "write %v: %v", e.Kind(), err)
		return
	}
	j.written.Add(1)
	j.bytes.Add(uint64(n))
}

// Recording reports whether a journal file is open
func (j *Journal) Recording() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.recording
}

// Status holds the current journal status
type Status struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	EventCount   uint64        `json:"event_count"`
	Dropped      uint64        `json:"dropped"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}

// Status returns the current journal status
func (j *Journal) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var duration time.Duration
	if j.recording {
		duration = time.Since(j.startTime)
	}
	return Status{
		Recording:    j.recording,
		Filename:     j.filename,
		EventCount:   j.written.Load(),
		Dropped:      j.dropped.Load(),
		BytesWritten: j.bytes.Load(),
		Duration:     duration,
		StartTime:    j.startTime,
	}
}

// Read decodes every event of a journal stream into its value map.
func Read(r io.Reader) ([]map[string]interface{}, error) {
	br := bufio.NewReader(r)
	var out []map[string]interface{}
	for {
		var s structpb.Struct
		err := protodelim.UnmarshalFrom(br, &s)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("journal record %d: %w", len(out), err)
		}
		out = append(out, s.AsMap())
	}
}

// ReadFile decodes a journal file.
func ReadFile(name string) ([]map[string]interface{}, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
