// Package telem provides short-term telemetry storage for recorded samples
// and watchdog warnings, plus the SQLite table store for coverage rows
package telem

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
)

// Sample is the compact in-memory view of a recorded coverage sample
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	AccessID  int       `json:"app_access_id"`
	Latitude  float64   `json:"app_latitude"`
	Longitude float64   `json:"app_longitude"`
	Accuracy  float64   `json:"app_accuracy"`
	RSSI      float64   `json:"app_rssi"`
}

// SampleFromFused builds the compact view of an admitted sample
func SampleFromFused(s pkg.FusedSample) Sample {
	ts := s.GeoTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Sample{
		Timestamp: ts,
		Category:  s.AccessCategory,
		AccessID:  s.Network.AccessID,
		Latitude:  s.Location.Latitude,
		Longitude: s.Location.Longitude,
		Accuracy:  s.Location.Accuracy,
		RSSI:      s.Network.RSSI,
	}
}

// Store keeps recent samples per category and recent warnings with bounded retention
type Store struct {
	mu            sync.RWMutex
	samples       map[string][]Sample // category -> samples
	events        []pkg.WarningEvent
	maxSamples    int
	maxEvents     int
	retentionTime time.Duration
	maxRAMMB      int
	now           func() time.Time
}

// Config for the telemetry store
type Config struct {
	MaxSamplesPerCategory int `uci:"max_samples_per_category"`
	MaxEvents             int `uci:"max_events"`
	RetentionHours        int `uci:"retention_hours"`
	MaxRAMMB              int `uci:"max_ram_mb"`
}

// NewStore creates a telemetry store with the given configuration
func NewStore(config Config) *Store {
	if config.MaxSamplesPerCategory <= 0 {
		config.MaxSamplesPerCategory = 1000
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24
	}
	if config.MaxRAMMB <= 0 {
		config.MaxRAMMB = 10
	}

	return &Store{
		samples:       make(map[string][]Sample),
		events:        make([]pkg.WarningEvent, 0, config.MaxEvents),
		maxSamples:    config.MaxSamplesPerCategory,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		maxRAMMB:      config.MaxRAMMB,
		now:           time.Now,
	}
}

// AddSample stores a sample under its category
func (s *Store) AddSample(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat := sample.Category
	s.samples[cat] = append(s.samples[cat], sample)

	if n := len(s.samples[cat]); n > s.maxSamples {
		copy(s.samples[cat], s.samples[cat][n-s.maxSamples:])
		s.samples[cat] = s.samples[cat][:s.maxSamples]
	}

	s.cleanOldSamples(cat)
	s.enforceRAMCapLocked()
}

// AddEvent stores a watchdog warning
func (s *Store) AddEvent(event pkg.WarningEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	if n := len(s.events); n > s.maxEvents {
		copy(s.events, s.events[n-s.maxEvents:])
		s.events = s.events[:s.maxEvents]
	}

	s.enforceRAMCapLocked()
}

// GetSamples returns the most recent samples of a category
func (s *Store) GetSamples(category string, limit int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.samples[category]
	if samples == nil {
		return nil
	}

	if limit <= 0 || limit >= len(samples) {
		result := make([]Sample, len(samples))
		copy(result, samples)
		return result
	}

	result := make([]Sample, limit)
	copy(result, samples[len(samples)-limit:])
	return result
}

// GetRecentSamples returns samples of a category within a time window
func (s *Store) GetRecentSamples(category string, since time.Duration) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-since)
	var result []Sample
	for _, sample := range s.samples[category] {
		if sample.Timestamp.After(cutoff) {
			result = append(result, sample)
		}
	}
	return result
}

// GetEvents returns the most recent warnings
func (s *Store) GetEvents(limit int) []pkg.WarningEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit >= len(s.events) {
		result := make([]pkg.WarningEvent, len(s.events))
		copy(result, s.events)
		return result
	}

	result := make([]pkg.WarningEvent, limit)
	copy(result, s.events[len(s.events)-limit:])
	return result
}

// LastEvent returns the newest warning
func (s *Store) LastEvent() (pkg.WarningEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return pkg.WarningEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

// GetCategories returns the categories with stored samples
func (s *Store) GetCategories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cats := make([]string, 0, len(s.samples))
	for cat := range s.samples {
		cats = append(cats, cat)
	}
	return cats
}

// Cleanup removes data older than the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cat := range s.samples {
		s.cleanOldSamples(cat)
	}
	s.cleanOldEvents()
}

func (s *Store) cleanOldSamples(category string) {
	cutoff := s.now().Add(-s.retentionTime)
	samples := s.samples[category]

	keep := 0
	for keep < len(samples) && !samples[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		copy(samples, samples[keep:])
		s.samples[category] = samples[:len(samples)-keep]
	}
}

func (s *Store) cleanOldEvents() {
	cutoff := s.now().Add(-s.retentionTime)

	keep := 0
	for keep < len(s.events) && !s.events[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		copy(s.events, s.events[keep:])
		s.events = s.events[:len(s.events)-keep]
	}
}

// GetStats returns storage statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() map[string]interface{} {
	perCategory := make(map[string]int)
	total := 0
	for cat, samples := range s.samples {
		perCategory[cat] = len(samples)
		total += len(samples)
	}

	return map[string]interface{}{
		"total_samples":    total,
		"total_events":     len(s.events),
		"category_samples": perCategory,
		"retention_hours":  s.retentionTime.Hours(),
		"max_ram_mb":       s.maxRAMMB,
		"estimated_bytes":  s.estimateBytesLocked(),
	}
}

// ExportJSON exports all data as JSON for debugging
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := struct {
		Timestamp time.Time              `json:"timestamp"`
		Samples   map[string][]Sample    `json:"samples"`
		Events    []pkg.WarningEvent     `json:"events"`
		Stats     map[string]interface{} `json:"stats"`
	}{
		Timestamp: s.now(),
		Samples:   s.samples,
		Events:    s.events,
		Stats:     s.statsLocked(),
	}

	return json.Marshal(export)
}

// estimateBytesLocked returns an approximate memory usage
func (s *Store) estimateBytesLocked() int {
	const (
		bytesPerSample = 96
		bytesPerEvent  = 200
	)
	total := 0
	for _, arr := range s.samples {
		total += len(arr)
	}
	return total*bytesPerSample + len(s.events)*bytesPerEvent
}

// enforceRAMCapLocked downsamples older samples and events while the
// estimate exceeds the cap. Must be called with s.mu locked.
func (s *Store) enforceRAMCapLocked() {
	if s.maxRAMMB <= 0 {
		return
	}
	capBytes := s.maxRAMMB * 1024 * 1024
	for i := 0; i < 5; i++ {
		if s.estimateBytesLocked() <= capBytes {
			return
		}
		for cat, arr := range s.samples {
			if len(arr) <= 200 {
				continue
			}
			s.samples[cat] = downsampleKeepRecent(arr, 2, 100)
		}
		if len(s.events) > 200 && s.estimateBytesLocked() > capBytes {
			keep := len(s.events) / 2
			copy(s.events, s.events[len(s.events)-keep:])
			s.events = s.events[:keep]
		}
	}
}

// downsampleKeepRecent keeps the last recentKeep items and every nth older item, in order
func downsampleKeepRecent[T any](in []T, n int, recentKeep int) []T {
	if n <= 1 || len(in) <= recentKeep {
		return in
	}
	if recentKeep < 0 {
		recentKeep = 0
	}
	cutoff := len(in) - recentKeep
	older := in[:cutoff]
	newer := in[cutoff:]

	kept := make([]T, 0, len(older)/n+len(newer)+1)
	for i := 0; i < len(older); i += n {
		kept = append(kept, older[i])
	}
	return append(kept, newer...)
}

// SetMaxRAMMB updates the RAM cap and enforces it immediately
func (s *Store) SetMaxRAMMB(mb int) error {
	if mb < 1 || mb > 128 {
		return fmt.Errorf("max_ram_mb must be between 1-128, got %d", mb)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRAMMB = mb
	s.enforceRAMCapLocked()
	return nil
}
