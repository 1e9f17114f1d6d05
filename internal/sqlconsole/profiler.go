package sqlconsole

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultSlowStatement is the duration above which a statement counts as slow.
const DefaultSlowStatement = 100 * time.Millisecond

// Profile describes one executed statement.
type Profile struct {
	Statement string // SELECT, INSERT, ...
	Table     string
	Duration  time.Duration
	Rows      int

	// Pushed counts the WHERE comparisons the database evaluated; Residual
	// counts those evaluated in memory on the returned documents.
	Pushed   int
	Residual int
	// FullScan is set when a statement read a whole collection.
	FullScan bool
	Err      error
}

// Profiler keeps the most recent statement profiles.
type Profiler struct {
	mu       sync.RWMutex
	profiles []Profile
	max      int
	slow     time.Duration
}

// NewProfiler keeps up to max profiles. Non-positive values select defaults.
func NewProfiler(slow time.Duration, max int) *Profiler {
	if slow <= 0 {
		slow = DefaultSlowStatement
	}
	if max <= 0 {
		max = 1000
	}
	return &Profiler{max: max, slow: slow}
}

// Threshold returns the slow statement threshold.
func (p *Profiler) Threshold() time.Duration { return p.slow }

// Record stores a profile, evicting the oldest once full.
func (p *Profiler) Record(prof Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.profiles) == p.max {
		copy(p.profiles, p.profiles[1:])
		p.profiles = p.profiles[:p.max-1]
	}
	p.profiles = append(p.profiles, prof)
}

// Profiles returns a copy of the recorded profiles, oldest first.
func (p *Profiler) Profiles() []Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Profile, len(p.profiles))
	copy(out, p.profiles)
	return out
}

func (p *Profiler) filter(keep func(Profile) bool) []Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Profile
	for _, prof := range p.profiles {
		if keep(prof) {
			out = append(out, prof)
		}
	}
	return out
}

// Slow returns statements that took longer than the threshold.
func (p *Profiler) Slow() []Profile {
	return p.filter(func(prof Profile) bool { return prof.Duration > p.slow })
}

// FullScans returns statements that read whole collections.
func (p *Profiler) FullScans() []Profile {
	return p.filter(func(prof Profile) bool { return prof.FullScan })
}

// Clear drops every recorded profile.
func (p *Profiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = nil
}

// Summary aggregates recorded profiles.
type Summary struct {
	Statements int
	Slow       int
	FullScans  int
	Errors     int
	Average    time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	ByTable    map[string]TableStats
}

// TableStats aggregates the statements against one table.
type TableStats struct {
	Count     int
	Total     time.Duration
	Max       time.Duration
	FullScans int
}

// Summary computes duration percentiles and per table totals.
func (p *Profiler) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Summary{Statements: len(p.profiles), ByTable: make(map[string]TableStats)}
	if len(p.profiles) == 0 {
		return s
	}
	var total time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))
	for _, prof := range p.profiles {
		total += prof.Duration
		durations = append(durations, prof.Duration)
		if prof.Duration > p.slow {
			s.Slow++
		}
		if prof.FullScan {
			s.FullScans++
		}
		if prof.Err != nil {
			s.Errors++
		}
		if prof.Table == "" {
			continue
		}
		ts := s.ByTable[prof.Table]
		ts.Count++
		ts.Total += prof.Duration
		if prof.Duration > ts.Max {
			ts.Max = prof.Duration
		}
		if prof.FullScan {
			ts.FullScans++
		}
		s.ByTable[prof.Table] = ts
	}
	s.Average = total / time.Duration(len(p.profiles))

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P50 = durations[len(durations)*50/100]
	s.P95 = durations[len(durations)*95/100]
	s.P99 = durations[len(durations)*99/100]
	return s
}

type profileKey struct{}

// profileFrom returns the profile being filled for the running statement, if any.
func profileFrom(ctx context.Context) *Profile {
	prof, _ := ctx.Value(profileKey{}).(*Profile)
	return prof
}
