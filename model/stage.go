package model

import "context"

// Stage is the orchestrator state a run is in.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageConnecting Stage = "connecting"
	StageSearching  Stage = "searching"
	StageSelecting  Stage = "selecting"
	StageDecoding   Stage = "decoding"
	StagePublishing Stage = "publishing"
)

type stageHookKey struct{}

// WithStageHook returns a context whose sources report stage changes to fn.
// A hook already installed on ctx is still notified, after fn.
func WithStageHook(ctx context.Context, fn func(Stage)) context.Context {
	if parent, ok := ctx.Value(stageHookKey{}).(func(Stage)); ok && parent != nil {
		next := fn
		fn = func(s Stage) {
			next(s)
			parent(s)
		}
	}
	return context.WithValue(ctx, stageHookKey{}, fn)
}

// ReportStage notifies the hook installed on ctx, if any.
func ReportStage(ctx context.Context, s Stage) {
	if fn, ok := ctx.Value(stageHookKey{}).(func(Stage)); ok && fn != nil {
		fn(s)
	}
}
