// Package limits bounds what a single task execution may consume: files
// touched, tests run, wall-clock seconds and concurrent sub-processes.
//
// Every limit has one check that returns a CheckResult. The Enforce* and
// Start* methods wrap it and fail closed with a *LimitExceededError, while the
// CheckAndRecord* methods report denials and keep them for AllViolations.
//
// A Manager is meant for one execution context and is not safe for
// concurrent use.
package limits

import (
	"fmt"
	"math"
	"time"
)

// LimitType names a bounded resource.
type LimitType string

const (
	LimitFiles     LimitType = "max_files"
	LimitTests     LimitType = "max_tests"
	LimitTime      LimitType = "max_seconds"
	LimitSubagents LimitType = "subagents"
	LimitExecutors LimitType = "executors"
)

// FileCountMode selects what counts against max_files.
type FileCountMode string

const (
	// CountOperations counts every file operation, repeats included.
	CountOperations FileCountMode = "operations"
	// CountDistinctPaths counts each path once no matter how often it is touched.
	CountDistinctPaths FileCountMode = "distinct_paths"
)

type bound struct {
	field    string
	min, max int
}

var (
	maxFilesBound   = bound{"max_files", 1, 20}
	maxTestsBound   = bound{"max_tests", 1, 50}
	maxSecondsBound = bound{"max_seconds", 30, 900}
	subagentsBound  = bound{"subagents", 1, 9}
	executorsBound  = bound{"executors", 1, 4}
)

func (b bound) check(v int) error {
	if v < b.min || v > b.max {
		return &ValidationError{Code: CodeOutOfRange, Field: b.field, Value: v, Min: b.min, Max: b.max}
	}
	return nil
}

// Limits are the per-execution consumption caps.
type Limits struct {
	MaxFiles      int           `json:"max_files" yaml:"max_files"`
	MaxTests      int           `json:"max_tests" yaml:"max_tests"`
	MaxSeconds    int           `json:"max_seconds" yaml:"max_seconds"`
	FileCountMode FileCountMode `json:"file_count_mode" yaml:"file_count_mode"`
}

// ParallelLimits cap concurrently running sub-processes.
type ParallelLimits struct {
	Subagents int `json:"subagents" yaml:"subagents"`
	Executors int `json:"executors" yaml:"executors"`
}

// DefaultLimits returns max_files 5, max_tests 10, max_seconds 300.
func DefaultLimits() Limits {
	return Limits{MaxFiles: 5, MaxTests: 10, MaxSeconds: 300, FileCountMode: CountOperations}
}

// DefaultParallelLimits returns 9 subagents and 4 executors.
func DefaultParallelLimits() ParallelLimits {
	return ParallelLimits{Subagents: 9, Executors: 4}
}

// Validate checks every field against its allowed range. An empty
// FileCountMode is accepted and means CountOperations.
func (l Limits) Validate() error {
	for _, c := range []struct {
		b bound
		v int
	}{
		{maxFilesBound, l.MaxFiles},
		{maxTestsBound, l.MaxTests},
		{maxSecondsBound, l.MaxSeconds},
	} {
		if err := c.b.check(c.v); err != nil {
			return err
		}
	}
	switch l.FileCountMode {
	case "", CountOperations, CountDistinctPaths:
		return nil
	}
	return &ValidationError{Code: CodeInvalidFileCountMode, Field: "file_count_mode", Value: l.FileCountMode}
}

// Validate checks both parallel caps.
func (p ParallelLimits) Validate() error {
	if err := subagentsBound.check(p.Subagents); err != nil {
		return err
	}
	return executorsBound.check(p.Executors)
}

// Violation is one denied attempt, or a limit found exceeded.
type Violation struct {
	LimitType LimitType `json:"limit_type"`
	Limit     int       `json:"limit"`
	Attempted int       `json:"attempted"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckResult is the outcome of a limit check.
type CheckResult struct {
	Allowed   bool       `json:"allowed"`
	Violation *Violation `json:"violation,omitempty"`
}

// Usage is a snapshot of current consumption.
type Usage struct {
	Files          int     `json:"files"`
	Tests          int     `json:"tests"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Subagents      int     `json:"subagents"`
	Executors      int     `json:"executors"`
}

// Manager tracks consumption against Limits and ParallelLimits.
type Manager struct {
	limits   Limits
	parallel ParallelLimits
	now      func() time.Time

	fileOps    int
	paths      map[string]struct{}
	tests      int
	start      time.Time
	elapsedFix *float64
	subagents  map[string]struct{}
	executors  map[string]struct{}
	violations []Violation
}

// NewManager returns a manager with the default limits.
func NewManager() *Manager {
	m := &Manager{
		limits:   DefaultLimits(),
		parallel: DefaultParallelLimits(),
		now:      time.Now,
	}
	m.Reset()
	return m
}

// New returns a manager with the given limits after validating them.
func New(l Limits, p ParallelLimits) (*Manager, error) {
	m := NewManager()
	if err := m.SetLimits(l); err != nil {
		return nil, err
	}
	if err := m.SetParallelLimits(p); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock replaces the wall clock used by the timer.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetLimits validates and applies l. Nothing changes on error.
func (m *Manager) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.FileCountMode == "" {
		l.FileCountMode = CountOperations
	}
	m.limits = l
	return nil
}

// SetParallelLimits validates and applies p. Nothing changes on error.
func (m *Manager) SetParallelLimits(p ParallelLimits) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.parallel = p
	return nil
}

// Limits returns the active consumption caps.
func (m *Manager) Limits() Limits { return m.limits }

// ParallelLimits returns the active parallel caps.
func (m *Manager) ParallelLimits() ParallelLimits { return m.parallel }

// Reset clears counters, the timer, violations and both slot sets.
func (m *Manager) Reset() {
	m.fileOps = 0
	m.paths = make(map[string]struct{})
	m.tests = 0
	m.start = time.Time{}
	m.elapsedFix = nil
	m.subagents = make(map[string]struct{})
	m.executors = make(map[string]struct{})
	m.violations = nil
}

// Usage returns current consumption.
func (m *Manager) Usage() Usage {
	return Usage{
		Files:          m.FileCount(),
		Tests:          m.tests,
		ElapsedSeconds: m.ElapsedSeconds(),
		Subagents:      len(m.subagents),
		Executors:      len(m.executors),
	}
}

// FileCount is the number of units counted against max_files.
func (m *Manager) FileCount() int {
	if m.limits.FileCountMode == CountDistinctPaths {
		return len(m.paths)
	}
	return m.fileOps
}

// TestCount is the number of recorded test executions.
func (m *Manager) TestCount() int { return m.tests }

// --- Checks ---

func (m *Manager) deny(t LimitType, limit, attempted int) CheckResult {
	return CheckResult{Violation: &Violation{
		LimitType: t,
		Limit:     limit,
		Attempted: attempted,
		Timestamp: m.now(),
	}}
}

// checkFile decides whether touching path is allowed. Repeat touches in
// distinct-path mode never consume anything.
func (m *Manager) checkFile(path string) CheckResult {
	if m.limits.FileCountMode == CountDistinctPaths {
		if _, seen := m.paths[path]; seen {
			return CheckResult{Allowed: true}
		}
	}
	next := m.FileCount() + 1
	if next > m.limits.MaxFiles {
		return m.deny(LimitFiles, m.limits.MaxFiles, next)
	}
	return CheckResult{Allowed: true}
}

func (m *Manager) recordFile(path string) {
	m.fileOps++
	m.paths[path] = struct{}{}
}

func (m *Manager) checkTest() CheckResult {
	next := m.tests + 1
	if next > m.limits.MaxTests {
		return m.deny(LimitTests, m.limits.MaxTests, next)
	}
	return CheckResult{Allowed: true}
}

// timeExceeded is the one threshold both the checks and AllViolations use.
func (m *Manager) timeExceeded(elapsed float64) bool {
	return elapsed >= float64(m.limits.MaxSeconds)
}

func (m *Manager) checkTime() CheckResult {
	elapsed := m.ElapsedSeconds()
	if m.timeExceeded(elapsed) {
		return m.deny(LimitTime, m.limits.MaxSeconds, int(math.Ceil(elapsed)))
	}
	return CheckResult{Allowed: true}
}

func (m *Manager) checkSlot(t LimitType, set map[string]struct{}, limit int) CheckResult {
	next := len(set) + 1
	if next > limit {
		return m.deny(t, limit, next)
	}
	return CheckResult{Allowed: true}
}

func enforce(r CheckResult) error {
	if r.Allowed {
		return nil
	}
	return &LimitExceededError{Violation: *r.Violation}
}

func (m *Manager) recordResult(r CheckResult) CheckResult {
	if !r.Allowed {
		m.violations = append(m.violations, *r.Violation)
	}
	return r
}

// --- Fail-closed gates ---

// EnforceFileLimit counts one operation on path, or fails if it would exceed max_files.
func (m *Manager) EnforceFileLimit(path string) error {
	if err := enforce(m.checkFile(path)); err != nil {
		return err
	}
	m.recordFile(path)
	return nil
}

// EnforceTestLimit counts one test execution, or fails if it would exceed max_tests.
func (m *Manager) EnforceTestLimit() error {
	if err := enforce(m.checkTest()); err != nil {
		return err
	}
	m.tests++
	return nil
}

// EnforceTimeLimit fails once the elapsed time reaches max_seconds.
func (m *Manager) EnforceTimeLimit() error {
	return enforce(m.checkTime())
}

// --- Record-and-report checks ---

// CheckAndRecordFileOperation counts one operation on path when allowed and
// records a violation when not.
func (m *Manager) CheckAndRecordFileOperation(path string) CheckResult {
	r := m.recordResult(m.checkFile(path))
	if r.Allowed {
		m.recordFile(path)
	}
	return r
}

// CheckAndRecordTestExecution counts one test run when allowed and records a
// violation when not.
func (m *Manager) CheckAndRecordTestExecution() CheckResult {
	r := m.recordResult(m.checkTest())
	if r.Allowed {
		m.tests++
	}
	return r
}

// CheckTimeLimit reports whether time remains, recording a violation when not.
func (m *Manager) CheckTimeLimit() CheckResult {
	return m.recordResult(m.checkTime())
}

// Violations returns the recorded violations only.
func (m *Manager) Violations() []Violation {
	return append([]Violation(nil), m.violations...)
}

// AllViolations returns the recorded violations plus one synthesized entry
// for every limit currently exceeded that has no recorded violation.
func (m *Manager) AllViolations() []Violation {
	out := m.Violations()
	recorded := make(map[LimitType]bool, len(out))
	for _, v := range out {
		recorded[v.LimitType] = true
	}

	add := func(t LimitType, limit, current int) {
		if current > limit && !recorded[t] {
			out = append(out, Violation{LimitType: t, Limit: limit, Attempted: current, Timestamp: m.now()})
		}
	}
	add(LimitFiles, m.limits.MaxFiles, m.FileCount())
	add(LimitTests, m.limits.MaxTests, m.tests)
	if elapsed := m.ElapsedSeconds(); m.timeExceeded(elapsed) && !recorded[LimitTime] {
		out = append(out, Violation{LimitType: LimitTime, Limit: m.limits.MaxSeconds, Attempted: int(math.Ceil(elapsed)), Timestamp: m.now()})
	}
	add(LimitSubagents, m.parallel.Subagents, len(m.subagents))
	add(LimitExecutors, m.parallel.Executors, len(m.executors))
	return out
}

// --- Timer ---

// StartTimer marks the start of the execution.
func (m *Manager) StartTimer() {
	m.start = m.now()
}

// ElapsedSeconds is the time since StartTimer, or the test override when set.
// It is zero before the timer starts.
func (m *Manager) ElapsedSeconds() float64 {
	if m.elapsedFix != nil {
		return *m.elapsedFix
	}
	if m.start.IsZero() {
		return 0
	}
	return m.now().Sub(m.start).Seconds()
}

// RemainingTime is how long until max_seconds is reached, never negative.
func (m *Manager) RemainingTime() time.Duration {
	left := float64(m.limits.MaxSeconds) - m.ElapsedSeconds()
	if left < 0 {
		return 0
	}
	return time.Duration(left * float64(time.Second))
}

// SetElapsedForTesting pins ElapsedSeconds to seconds.
func (m *Manager) SetElapsedForTesting(seconds float64) {
	m.elapsedFix = &seconds
}

// --- Parallel slots ---

func (m *Manager) startSlot(t LimitType, set map[string]struct{}, limit int, id string) error {
	if _, ok := set[id]; ok {
		return fmt.Errorf("%s %q: %w", t, id, ErrSlotInUse)
	}
	if err := enforce(m.checkSlot(t, set, limit)); err != nil {
		return err
	}
	set[id] = struct{}{}
	return nil
}

func endSlot(set map[string]struct{}, id string) bool {
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	return true
}

// StartSubagent takes a subagent slot for id.
func (m *Manager) StartSubagent(id string) error {
	return m.startSlot(LimitSubagents, m.subagents, m.parallel.Subagents, id)
}

// EndSubagent releases id's slot and reports whether it was held.
func (m *Manager) EndSubagent(id string) bool {
	return endSlot(m.subagents, id)
}

// StartExecutor takes an executor slot for id.
func (m *Manager) StartExecutor(id string) error {
	return m.startSlot(LimitExecutors, m.executors, m.parallel.Executors, id)
}

// EndExecutor releases id's slot and reports whether it was held.
func (m *Manager) EndExecutor(id string) bool {
	return endSlot(m.executors, id)
}

// ActiveSubagents is the number of held subagent slots.
func (m *Manager) ActiveSubagents() int { return len(m.subagents) }

// ActiveExecutors is the number of held executor slots.
func (m *Manager) ActiveExecutors() int { return len(m.executors) }

// --- Chunking ---

// SuggestChunkSize returns how many of totalFiles can still be touched.
// Negative totals count as zero.
func (m *Manager) SuggestChunkSize(totalFiles int) int {
	if totalFiles < 0 {
		totalFiles = 0
	}
	left := m.limits.MaxFiles - m.FileCount()
	if left < 0 {
		left = 0
	}
	if totalFiles < left {
		return totalFiles
	}
	return left
}
