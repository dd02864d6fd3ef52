package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lyndonlyu/upkeep/internal/progress"
)

var brailleFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner redraws the tracker's stage and percent on the current terminal
// line until stopped.
type Spinner struct {
	tracker *progress.Tracker
	start   time.Time
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewSpinner starts a spinner over tracker. It draws nothing when stdout is
// not a terminal.
func NewSpinner(tracker *progress.Tracker) *Spinner {
	s := &Spinner{
		tracker: tracker,
		start:   time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if !isTerminal() || jsonOutput() {
		close(s.done)
		return s
	}
	go s.run()
	return s
}

// Stop halts the spinner and clears the line.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Spinner) run() {
	defer close(s.done)
	tick := time.NewTicker(80 * time.Millisecond)
	defer tick.Stop()

	frame := 0
	for {
		select {
		case <-s.stop:
			fmt.Printf("\r%s\r", strings.Repeat(" ", 100))
			return
		case <-tick.C:
			msg := "starting"
			if report, err := s.tracker.Current(); err == nil {
				msg = progress.FormatBar(report, 20) + " " + report.Message
			}
			fmt.Printf("\r  %s %s (%.1fs)",
				styleSpinner.Render(brailleFrames[frame]),
				styleDim.Render(truncate(msg, 80)),
				time.Since(s.start).Seconds())
			frame = (frame + 1) % len(brailleFrames)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
