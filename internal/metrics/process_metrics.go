package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/simvisor/internal/process"
)

const DefaultSampleInterval = 15 * time.Second

// Subprocess identifies one live session subprocess to sample.
type Subprocess struct {
	Kind string
	ID   string
	PID  int
}

// Sample is the last resource reading of a session subprocess.
type Sample struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	StartedAt  time.Time `json:"startedAt"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically reads RSS and CPU of session subprocesses and exports
// them as simvisor_session_subprocess_rss_bytes.
type Sampler struct {
	interval time.Duration
	source   func() []Subprocess

	mu     sync.RWMutex
	latest map[string]Sample // kind/id -> sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSampler creates a sampler that asks source for the live subprocesses on
// every tick. interval <= 0 uses DefaultSampleInterval.
func NewSampler(interval time.Duration, source func() []Subprocess) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		interval: interval,
		source:   source,
		latest:   make(map[string]Sample),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect()
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func sampleKey(kind, id string) string { return kind + "/" + id }

// Collect takes one reading of every live subprocess and forgets the ones
// that are gone.
func (s *Sampler) Collect() {
	now := time.Now()
	live := s.source()
	next := make(map[string]Sample, len(live))
	for _, sp := range live {
		if sp.PID <= 0 {
			continue
		}
		smp, err := readSample(sp, now)
		if err != nil {
			slog.Debug("Failed to sample subprocess", "kind", sp.Kind, "id", sp.ID, "pid", sp.PID, "error", err)
			continue
		}
		next[sampleKey(sp.Kind, sp.ID)] = smp
		SetSubprocessRSS(sp.Kind, sp.ID, smp.RSSBytes)
	}

	s.mu.Lock()
	for k, old := range s.latest {
		if _, ok := next[k]; !ok {
			DeleteSubprocessRSS(old.Kind, old.ID)
		}
	}
	s.latest = next
	s.mu.Unlock()
}

func readSample(sp Subprocess, now time.Time) (Sample, error) {
	if !process.Alive(sp.PID) {
		return Sample{}, fmt.Errorf("process %d is not running", sp.PID)
	}
	info, err := process.Inspect(sp.PID)
	if err != nil {
		return Sample{}, fmt.Errorf("inspect process: %w", err)
	}
	return Sample{
		Kind:       sp.Kind,
		ID:         sp.ID,
		PID:        sp.PID,
		RSSBytes:   info.RSSBytes,
		CPUPercent: info.CPUPercent,
		StartedAt:  info.StartedAt,
		Timestamp:  now,
	}, nil
}

// Latest returns the most recent samples ordered by kind then id.
func (s *Sampler) Latest() []Sample {
	s.mu.RLock()
	out := make([]Sample, 0, len(s.latest))
	for _, smp := range s.latest {
		out = append(out, smp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
