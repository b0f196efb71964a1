package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a one-line status with elapsed or remaining seconds.
//
// Usage:
//
//	p := NewProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call any number of times.
// When w is not a terminal nothing is printed.
type ProgressPrinter struct {
	w        io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value // string
	start    time.Time
	countUp  bool
	duration time.Duration

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewProgressPrinter creates a printer that counts up.
func NewProgressPrinter(w io.Writer, prefix, phase string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, true, 0)
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, false, duration)
}

func newProgressPrinter(w io.Writer, prefix, phase string, countUp bool, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		enabled:  isTerminal(w),
		prefix:   prefix,
		countUp:  countUp,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins updating the line in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.start = time.Now()
	if !p.enabled {
		close(p.done)
		return
	}

	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.Phase())
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, p.Phase(), p.seconds())
			}
		}
	}()
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.start)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second, 3.7s -> 4s
	return int(remaining.Seconds() + 0.5)
}

// Phase returns the current phase label.
func (p *ProgressPrinter) Phase() string {
	return p.phase.Load().(string)
}

// SetPhase changes the phase label. Safe for concurrent use.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop terminates the display and clears the line.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	<-p.done
	if p.enabled {
		fmt.Fprint(p.w, clearLineSequence)
	}
}
