package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector tracks message and subscription counters for the process.
type StatsCollector struct {
	StartTime time.Time

	messagesReceived atomic.Uint64
	messagesAcked    atomic.Uint64
	messagesNacked   atomic.Uint64
	published        atomic.Uint64
	publishErrors    atomic.Uint64
	resubscribes     atomic.Uint64
	errors           atomic.Uint64

	mu         sync.RWMutex
	lastUpdate time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime           string    `json:"uptime"`
	MessagesReceived uint64    `json:"messages_received"`
	MessagesAcked    uint64    `json:"messages_acked"`
	MessagesNacked   uint64    `json:"messages_nacked"`
	Published        uint64    `json:"published"`
	PublishErrors    uint64    `json:"publish_errors"`
	Resubscribes     uint64    `json:"resubscribes"`
	Errors           uint64    `json:"errors"`
	Rate             float64   `json:"rate_per_second"`
	LastUpdate       time.Time `json:"last_update"`
}

func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		StartTime:  now,
		lastUpdate: now,
	}
}

func (s *StatsCollector) touch() {
	s.mu.Lock()
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

func (s *StatsCollector) IncReceived() {
	s.messagesReceived.Add(1)
	s.touch()
}

func (s *StatsCollector) IncAcked() {
	s.messagesAcked.Add(1)
	s.touch()
}

func (s *StatsCollector) IncNacked() {
	s.messagesNacked.Add(1)
	s.touch()
}

func (s *StatsCollector) IncPublished() {
	s.published.Add(1)
	s.touch()
}

func (s *StatsCollector) IncPublishErrors() {
	s.publishErrors.Add(1)
	s.errors.Add(1)
	s.touch()
}

func (s *StatsCollector) IncResubscribes() {
	s.resubscribes.Add(1)
	s.touch()
}

func (s *StatsCollector) IncErrors() {
	s.errors.Add(1)
	s.touch()
}

// GetStats returns the current counters.
func (s *StatsCollector) GetStats() Snapshot {
	s.mu.RLock()
	last := s.lastUpdate
	s.mu.RUnlock()

	return Snapshot{
		Uptime:           time.Since(s.StartTime).Round(time.Second).String(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesAcked:    s.messagesAcked.Load(),
		MessagesNacked:   s.messagesNacked.Load(),
		Published:        s.published.Load(),
		PublishErrors:    s.publishErrors.Load(),
		Resubscribes:     s.resubscribes.Load(),
		Errors:           s.errors.Load(),
		Rate:             s.CalculateRate(),
		LastUpdate:       last,
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns processed (acked plus nacked) messages per second since start.
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	processed := s.messagesAcked.Load() + s.messagesNacked.Load()
	return float64(processed) / uptime
}
