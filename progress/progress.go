package progress

import (
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsheet/model"
)

var stageTitles = map[model.Stage]string{
	model.StageConnecting: "Connecting to mailbox",
	model.StageSearching:  "Searching messages",
	model.StageSelecting:  "Selecting message",
	model.StageDecoding:   "Decoding attachment",
	model.StagePublishing: "Publishing dataset",
}

// Title is the human-readable label of a run stage.
func Title(stage model.Stage) string {
	if title, ok := stageTitles[stage]; ok {
		return title
	}
	return string(stage)
}

// Spinner shows the stage of a foreground run on the terminal.
type Spinner struct {
	sp      *pterm.SpinnerPrinter
	mu      sync.Mutex
	enabled bool
	stages  []model.Stage
}

// New creates a spinner if logLevel is "info"; at other levels the log
// lines already show the run's progress.
func New(logLevel string) *Spinner {
	s := &Spinner{enabled: logLevel == "info"}
	if s.enabled {
		sp, err := pterm.DefaultSpinner.WithRemoveWhenDone(false).Start("Starting run")
		if err != nil {
			s.enabled = false
			return s
		}
		s.sp = sp
	}
	return s
}

// Update is a stage hook; install it with model.WithStageHook.
func (s *Spinner) Update(stage model.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stages = append(s.stages, stage)
	if !s.enabled || s.sp == nil {
		return
	}
	s.sp.UpdateText(Title(stage))
}

// Stages returns the stages seen so far, in order.
func (s *Spinner) Stages() []model.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Stage(nil), s.stages...)
}

// Stop finalizes the spinner with the run's outcome.
func (s *Spinner) Stop(outcome model.RunOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.sp == nil {
		return
	}

	switch outcome.Kind {
	case model.OutcomeDecoded:
		s.sp.Success(outcome.Reason())
	case model.OutcomeFailed:
		s.sp.Fail(fmt.Sprintf("Run failed: %s", outcome.Reason()))
	default:
		s.sp.Warning(outcome.Reason())
	}
	s.sp = nil
}
