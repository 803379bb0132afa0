// Package partition watches the upstream coordinator's health endpoint
// and gates new work while the hub is cut off. Recovery triggers a
// flush of the result buffer.
package partition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hubmesh/hubmesh/internal/resultbuf"
	"github.com/hubmesh/hubmesh/internal/scanloop"
)

// States reported by the detector.
const (
	StateNormal   = "normal"
	StateDegraded = "degraded"
)

// PartitionedError is raised when new work arrives during a partition.
type PartitionedError struct {
	Since time.Time
}

func (e PartitionedError) Error() string {
	return fmt.Sprintf("partition: upstream unreachable since %s", e.Since.UTC().Format(time.RFC3339))
}

// Event records a state transition, kept in a bounded deque.
type Event struct {
	Type                string    `json:"type"` // partition_detected | partition_recovered
	Timestamp           time.Time `json:"timestamp"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Error               string    `json:"error,omitempty"`
	DurationS           float64   `json:"duration_s,omitempty"`
}

// DefaultMaxEvents bounds the event deque.
const DefaultMaxEvents = 100

// Statistics is the snapshot returned by GetPartitionStatistics.
type Statistics struct {
	PartitionCount     int     `json:"partition_count"`
	TotalRecoveryS     float64 `json:"total_recovery_s"`
	CurrentState       string  `json:"current_state"`
	CurrentPartitionS  float64 `json:"current_partition_s,omitempty"`
	BufferedResults    int     `json:"buffered_results"`
	InProgressTasks    int     `json:"in_progress_tasks"`
	ConsecutiveFailure int     `json:"consecutive_failures"`
}

// Detector polls one upstream health endpoint. A single mutex
// serializes checks so a slow probe cannot stack.
type Detector struct {
	upstream string
	client   *http.Client
	buffer   *resultbuf.Buffer

	mu                  sync.Mutex
	degraded            bool
	consecutiveFailures int
	partitionCount      int
	partitionStart      time.Time
	totalRecovery       time.Duration
	events              []Event
	maxEvents           int

	inProgress *xsync.Map[string, struct{}]

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a detector for upstream (base URL without trailing slash).
// maxEvents <= 0 selects the default bound.
func New(upstream string, timeout time.Duration, buffer *resultbuf.Buffer, maxEvents int) *Detector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Detector{
		upstream:   strings.TrimRight(upstream, "/"),
		client:     &http.Client{Timeout: timeout},
		buffer:     buffer,
		maxEvents:  maxEvents,
		inProgress: xsync.NewMap[string, struct{}](),
	}
}

// Check probes the upstream once and returns whether the hub is
// currently partitioned. State transitions are recorded and recovery
// kicks off a buffer flush.
func (d *Detector) Check() bool {
	d.mu.Lock()

	err := d.probe()
	now := time.Now().UTC()

	if err != nil {
		d.consecutiveFailures++
		if !d.degraded {
			d.degraded = true
			d.partitionCount++
			d.partitionStart = now
			d.pushEvent(Event{
				Type:                "partition_detected",
				Timestamp:           now,
				ConsecutiveFailures: d.consecutiveFailures,
				Error:               err.Error(),
			})
			log.Printf("[partition] upstream degraded: %v", err)
		}
		d.mu.Unlock()
		return true
	}

	d.consecutiveFailures = 0
	recovered := d.degraded
	if recovered {
		d.degraded = false
		duration := now.Sub(d.partitionStart)
		d.totalRecovery += duration
		d.pushEvent(Event{
			Type:      "partition_recovered",
			Timestamp: now,
			DurationS: duration.Seconds(),
		})
		log.Printf("[partition] upstream recovered after %s", duration.Round(time.Millisecond))
	}
	d.mu.Unlock()

	// Flush outside the lock so a long delivery pass cannot block
	// concurrent checks.
	if recovered && d.buffer != nil {
		n, err := d.buffer.Flush(NewUpstreamSink(d))
		if err != nil {
			log.Printf("[partition] recovery flush failed: %v", err)
		} else if n > 0 {
			log.Printf("[partition] recovery flush delivered %d result(s)", n)
		}
	}
	return false
}

// probe runs under the detector mutex.
func (d *Detector) probe() error {
	resp, err := d.client.Get(d.upstream + "/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("health check: read body: %w", err)
	}
	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Status != "healthy" {
		return fmt.Errorf("health check: upstream not healthy: %s", strings.TrimSpace(string(body)))
	}
	return nil
}

// Degraded reports the current partition state.
func (d *Detector) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// AcceptNewTask fails while partitioned. In-progress tasks are not
// affected.
func (d *Detector) AcceptNewTask(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded {
		return PartitionedError{Since: d.partitionStart}
	}
	return nil
}

// RegisterTaskStart marks a task as running so it can complete across
// a partition.
func (d *Detector) RegisterTaskStart(taskID string) {
	d.inProgress.Store(taskID, struct{}{})
}

// RegisterTaskComplete removes a task from the in-progress set.
func (d *Detector) RegisterTaskComplete(taskID string) {
	d.inProgress.Delete(taskID)
}

// CanCompleteTask allows completion for registered tasks always, and
// for anything when not degraded.
func (d *Detector) CanCompleteTask(taskID string) bool {
	if _, ok := d.inProgress.Load(taskID); ok {
		return true
	}
	return !d.Degraded()
}

// GetPartitionStatistics snapshots counters for monitoring.
func (d *Detector) GetPartitionStatistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Statistics{
		PartitionCount:     d.partitionCount,
		TotalRecoveryS:     d.totalRecovery.Seconds(),
		CurrentState:       StateNormal,
		InProgressTasks:    d.inProgress.Size(),
		ConsecutiveFailure: d.consecutiveFailures,
	}
	if d.degraded {
		stats.CurrentState = StateDegraded
		stats.CurrentPartitionS = time.Since(d.partitionStart).Seconds()
	}
	if d.buffer != nil {
		if n, err := d.buffer.Size(); err == nil {
			stats.BufferedResults = n
		}
	}
	return stats
}

// Events returns the retained transition events oldest-first.
func (d *Detector) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// pushEvent runs under the detector mutex.
func (d *Detector) pushEvent(ev Event) {
	d.events = append(d.events, ev)
	if len(d.events) > d.maxEvents {
		d.events = d.events[len(d.events)-d.maxEvents:]
	}
}

// StartPolling checks the upstream on a jittered interval.
func (d *Detector) StartPolling(interval time.Duration) {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	stopCh, doneCh := d.stopCh, d.doneCh
	go func() {
		defer close(doneCh)
		scanloop.Run(stopCh, interval, interval/4, func() {
			d.Check()
		})
	}()
}

// StopPolling cancels the poll loop and waits for it.
func (d *Detector) StopPolling() {
	d.loopMu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.loopMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Stats reports detector state for health aggregation.
func (d *Detector) Stats() (map[string]any, error) {
	s := d.GetPartitionStatistics()
	return map[string]any{
		"current_state":    s.CurrentState,
		"partition_count":  s.PartitionCount,
		"buffered_results": s.BufferedResults,
		"in_progress":      s.InProgressTasks,
	}, nil
}

// UpstreamSink delivers buffered results to the coordinator's result
// endpoint. Used both by recovery flushes and the periodic flush loop.
type UpstreamSink struct {
	detector *Detector
}

func NewUpstreamSink(d *Detector) *UpstreamSink {
	return &UpstreamSink{detector: d}
}

// Send posts one buffered result; any non-2xx response is an error so
// the row's retry count advances.
func (s *UpstreamSink) Send(r resultbuf.Result) error {
	payload, err := json.Marshal(map[string]any{
		"agent_id":    r.AgentID,
		"lease_token": r.LeaseToken,
		"result":      r.Result,
		"metadata":    r.Metadata,
		"buffered_at": r.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("partition: marshal result: %w", err)
	}

	url := fmt.Sprintf("%s/tasks/%s/result", s.detector.upstream, r.TaskID)
	resp, err := s.detector.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("partition: post result: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("partition: post result: status %d", resp.StatusCode)
	}
	return nil
}

// IsConnected reports whether the last check saw a healthy upstream.
func (s *UpstreamSink) IsConnected() bool {
	return !s.detector.Degraded()
}
