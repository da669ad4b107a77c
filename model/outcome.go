package model

import "time"

type OutcomeKind string

const (
	OutcomeNoQualifyingMessage   OutcomeKind = "no_qualifying_message"
	OutcomeNoSupportedAttachment OutcomeKind = "no_supported_attachment"
	OutcomeDecoded               OutcomeKind = "decoded"
	OutcomeFailed                OutcomeKind = "failed"
)

// RunOutcome is the result of one pipeline run. Dataset is set only for
// OutcomeDecoded; Err only for OutcomeFailed.
type RunOutcome struct {
	RunID     string
	Kind      OutcomeKind
	Dataset   *Dataset
	Err       error
	Fetch     Fetch
	StartedAt time.Time
	Duration  time.Duration
}

// Reason is a short description suitable for logs and status responses.
func (o RunOutcome) Reason() string {
	switch o.Kind {
	case OutcomeFailed:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "failed"
	case OutcomeDecoded:
		return "decoded " + o.Dataset.SourceFilename
	default:
		return string(o.Kind)
	}
}

func (o RunOutcome) LogAttrs() []any {
	attrs := []any{
		"runID", o.RunID,
		"outcome", string(o.Kind),
		"messagesFound", o.Fetch.MessagesFound,
		"considered", o.Fetch.Considered,
		"duration", o.Duration,
	}
	if o.Fetch.Subject != "" {
		attrs = append(attrs, "subject", o.Fetch.Subject)
	}
	if o.Fetch.Attachment != nil {
		attrs = append(attrs, "attachment", o.Fetch.Attachment.Filename, "sizeBytes", o.Fetch.Attachment.SizeBytes)
	}
	if o.Dataset != nil {
		attrs = append(attrs, "rows", o.Dataset.RowCount(), "columns", o.Dataset.ColumnCount())
	}
	if len(o.Fetch.Warnings) > 0 {
		attrs = append(attrs, "warnings", o.Fetch.Warnings)
	}
	if o.Err != nil {
		attrs = append(attrs, "err", o.Err.Error())
	}
	return attrs
}
