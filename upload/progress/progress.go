// Package progress aggregates upload progress for one session. Workers report
// byte counts over a channel and a single goroutine owns the derived
// percentage, so concurrent parts never race on shared counters.
package progress

import (
	"sync"
	"sync/atomic"
)

type eventKind int

const (
	partCompleted eventKind = iota
	advanced
	finalized
	abandoned
)

type event struct {
	kind   eventKind
	worker int
	bytes  int64
}

// Tracker derives a 0-100 percentage from completed and in-flight bytes.
// The percentage is monotonically non-decreasing and stays at 99 or below
// until Finalize reports that the remote side assembled the object.
type Tracker struct {
	totalBytes int64
	events     chan event
	quit       chan struct{}
	stopOnce   sync.Once
	percent    int32
	onChange   func(percent int)
}

// NewTracker starts the aggregator for a session of totalBytes. onChange is
// invoked from the aggregator goroutine on every percentage increase; it may
// be nil.
func NewTracker(totalBytes int64, onChange func(percent int)) *Tracker {
	t := &Tracker{
		totalBytes: totalBytes,
		events:     make(chan event, 64),
		quit:       make(chan struct{}),
		onChange:   onChange,
	}
	go t.run()
	return t
}

// CompletePart records that a worker finished a part of the given size and
// clears that worker's in-flight bytes.
func (t *Tracker) CompletePart(worker int, bytes int64) {
	t.send(event{kind: partCompleted, worker: worker, bytes: bytes})
}

// Advance records the cumulative in-flight bytes of the worker's current PUT.
func (t *Tracker) Advance(worker int, sentBytes int64) {
	t.send(event{kind: advanced, worker: worker, bytes: sentBytes})
}

// Finalize sets the percentage to exactly 100 and stops the aggregator.
// Call it only after the finalize call succeeded remotely.
func (t *Tracker) Finalize() {
	t.stop(event{kind: finalized})
}

// Abandon stops the aggregator without completing the percentage. Used on
// failure and cancellation.
func (t *Tracker) Abandon() {
	t.stop(event{kind: abandoned})
}

// Percent returns the current percentage. Safe for concurrent use.
func (t *Tracker) Percent() int {
	return int(atomic.LoadInt32(&t.percent))
}

func (t *Tracker) send(ev event) {
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}

func (t *Tracker) stop(ev event) {
	t.stopOnce.Do(func() {
		t.events <- ev
		<-t.quit
	})
}

func (t *Tracker) run() {
	var completedBytes int64
	inFlight := make(map[int]int64)

	for ev := range t.events {
		switch ev.kind {
		case partCompleted:
			completedBytes += ev.bytes
			delete(inFlight, ev.worker)
		case advanced:
			inFlight[ev.worker] = ev.bytes
		case finalized:
			t.raise(100)
			close(t.quit)
			return
		case abandoned:
			close(t.quit)
			return
		}

		t.raise(t.activePercent(completedBytes, inFlight))
	}
}

// activePercent clamps to 99: only a successful finalize may report 100.
func (t *Tracker) activePercent(completedBytes int64, inFlight map[int]int64) int {
	if t.totalBytes <= 0 {
		return 0
	}

	transferred := completedBytes
	for _, b := range inFlight {
		transferred += b
	}

	percent := int(transferred * 100 / t.totalBytes)
	if percent > 99 {
		percent = 99
	}
	if percent < 0 {
		percent = 0
	}
	return percent
}

func (t *Tracker) raise(percent int) {
	if percent <= t.Percent() {
		return
	}
	atomic.StoreInt32(&t.percent, int32(percent))
	if t.onChange != nil {
		t.onChange(percent)
	}
}
