package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/crawlkit/internal/progress"
)

// ConsoleSink writes one human-readable line per state change and per
// completed percentage step to w.
type ConsoleSink struct {
	mu   sync.Mutex
	w    io.Writer
	step int
	last map[progress.Handle]int
}

// NewConsoleSink reports progress every step percent (10 when step <= 0).
func NewConsoleSink(w io.Writer, step int) *ConsoleSink {
	if step <= 0 {
		step = 10
	}
	return &ConsoleSink{w: w, step: step, last: make(map[progress.Handle]int)}
}

// Consume prints the lines for the batch.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		line, ok := s.lineFor(evt)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(s.w, line); err != nil {
			return fmt.Errorf("write progress line: %w", err)
		}
	}
	return nil
}

func (s *ConsoleSink) lineFor(evt progress.Event) (string, bool) {
	switch evt.State {
	case progress.StatePending:
		s.last[evt.Handle] = -1
		return fmt.Sprintf("%-8s %s %s", "queued", evt.Description, evt.Name), true
	case progress.StateDownloading:
		if evt.Total <= 0 {
			return "", false
		}
		pct := int(evt.Completed * 100 / evt.Total)
		bucket := pct / s.step
		if prev, ok := s.last[evt.Handle]; ok && prev == bucket {
			return "", false
		}
		s.last[evt.Handle] = bucket
		return fmt.Sprintf("%-8s %s %s / %s (%d%%)", "fetching", evt.Name,
			humanize.IBytes(uint64(evt.Completed)), humanize.IBytes(uint64(evt.Total)), pct), true
	default:
		delete(s.last, evt.Handle)
		return fmt.Sprintf("%-8s %s %s", stateLabel(evt.State), evt.Name,
			humanize.IBytes(uint64(evt.Completed))), true
	}
}

// Close implements the Sink interface; it performs no action.
func (s *ConsoleSink) Close(context.Context) error {
	return nil
}
