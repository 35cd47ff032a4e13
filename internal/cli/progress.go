package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/get2knowio/maverick-sub001/internal/style"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// stepProgress tracks the visual state of one running step, keyed by its
// hierarchical step path.
type stepProgress struct {
	path      string
	index     int
	startTime time.Time
	spinner   style.Spinner
}

// progressTracker renders the engine's event stream as one spinner per
// running step. Loop iterations update their loop's spinner suffix;
// subworkflow and nested steps appear indented under their parents.
type progressTracker struct {
	w io.Writer

	mu         sync.Mutex
	steps      map[string]*stepProgress
	started    int
	totalSteps int

	events chan events.Event
	wg     sync.WaitGroup
}

func newProgressTracker(w io.Writer) *progressTracker {
	return &progressTracker{
		w:      w,
		steps:  make(map[string]*stepProgress),
		events: make(chan events.Event, 256),
	}
}

// Callback returns the callback to hand to the runner.
func (pt *progressTracker) Callback() events.Callback {
	return func(ev events.Event) {
		pt.events <- ev
	}
}

// Start begins consuming events in the background.
func (pt *progressTracker) Start() {
	pt.wg.Add(1)
	go func() {
		defer pt.wg.Done()
		for ev := range pt.events {
			pt.handle(ev)
		}
	}()
}

// Stop drains the stream and stops any spinner still running.
func (pt *progressTracker) Stop() {
	close(pt.events)
	pt.wg.Wait()

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, state := range pt.steps {
		state.spinner.Stop()
	}
}

func (pt *progressTracker) handle(ev events.Event) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	switch ev.Type {
	case events.WorkflowStarted:
		if pt.totalSteps == 0 {
			pt.totalSteps = ev.TotalSteps
		}

	case events.StepStarted:
		pt.startStep(ev)

	case events.StepCompleted:
		pt.finishStep(ev)

	case events.LoopIterationStarted:
		pt.updateIteration(ev)
	}
}

func (pt *progressTracker) startStep(ev events.Event) {
	s := style.NewSpinner(pt.w)

	depth := strings.Count(ev.StepPath, "/")
	indent := strings.Repeat("  ", depth)

	if depth == 0 {
		pt.started++
		s.SetSuffix(fmt.Sprintf(" Step %d/%d: %s", pt.started, pt.totalSteps, style.AccentStyle.Render(ev.StepPath)))
	} else {
		s.SetSuffix(fmt.Sprintf(" %s%s", indent, style.AccentStyle.Render(ev.StepPath)))
	}

	state := &stepProgress{
		path:      ev.StepPath,
		index:     pt.started,
		startTime: time.Now(),
		spinner:   s,
	}
	pt.steps[ev.StepPath] = state
	s.Start()
}

func (pt *progressTracker) finishStep(ev events.Event) {
	state, exists := pt.steps[ev.StepPath]
	if !exists {
		return
	}
	delete(pt.steps, ev.StepPath)

	depth := strings.Count(ev.StepPath, "/")
	indent := strings.Repeat("  ", depth)
	duration := style.DurationStyle.Render(formatDuration(time.Duration(ev.DurationMS) * time.Millisecond))

	if ev.Success {
		state.spinner.SetFinalMSG(fmt.Sprintf("%s%s %s %s\n",
			indent, style.SuccessIcon(), style.StepNameStyle.Render(ev.StepPath), duration))
	} else {
		state.spinner.SetFinalMSG(fmt.Sprintf("%s%s %s %s\n",
			indent, style.ErrorIcon(), style.StepNameStyle.Render(ev.StepPath), style.ErrorStyle.Render(ev.Error)))
	}
	state.spinner.Stop()
}

// updateIteration rewrites the loop step's suffix with iteration progress.
// Iteration events carry the loop's own path.
func (pt *progressTracker) updateIteration(ev events.Event) {
	loopPath := ev.StepPath
	state, exists := pt.steps[loopPath]
	if !exists {
		return
	}

	label := ev.ItemLabel
	if label != "" {
		label = " " + style.MutedStyle.Render(label)
	}
	state.spinner.SetSuffix(fmt.Sprintf(" Step %d/%d: %s [%d/%d]%s",
		state.index, pt.totalSteps, style.AccentStyle.Render(loopPath),
		ev.IterationIndex+1, ev.TotalIterations, label))
}
