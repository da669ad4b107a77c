package stats

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeDecoded           EventType = "decoded"
	EventTypeNoMessage         EventType = "no_qualifying_message"
	EventTypeNoAttachment      EventType = "no_supported_attachment"
	EventTypeFailed            EventType = "failed"
	EventTypeSkipped           EventType = "skipped"
	EventTypeDelivered         EventType = "delivered"
	EventTypeDeliveryDuplicate EventType = "delivery_duplicate"
	EventTypeDeliveryError     EventType = "delivery_error"
)

type Event struct {
	Type   EventType
	RunID  string
	Sink   string
	Err    error
	Detail string
	At     time.Time
}

// outcome reports whether the event closes a run.
func (e Event) outcome() bool {
	switch e.Type {
	case EventTypeDecoded, EventTypeNoMessage, EventTypeNoAttachment, EventTypeFailed:
		return true
	}
	return false
}

type Summary struct {
	Runs               int       `json:"runs"`
	Decoded            int       `json:"decoded"`
	NoMessage          int       `json:"no_message"`
	NoAttachment       int       `json:"no_attachment"`
	Failed             int       `json:"failed"`
	Skipped            int       `json:"skipped"`
	Delivered          int       `json:"delivered"`
	DeliveryDuplicates int       `json:"delivery_duplicates"`
	DeliveryErrors     int       `json:"delivery_errors"`
	LastOutcome        string    `json:"last_outcome,omitempty"`
	LastRunID          string    `json:"last_run_id,omitempty"`
	LastRunAt          time.Time `json:"last_run_at,omitzero"`
	LastError          string    `json:"last_error,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"runs", s.Runs,
		"decoded", s.Decoded,
		"noMessage", s.NoMessage,
		"noAttachment", s.NoAttachment,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"delivered", s.Delivered,
		"deliveryDuplicates", s.DeliveryDuplicates,
		"deliveryErrors", s.DeliveryErrors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	c.apply(evt)
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeRunStarted:
		c.summary.Runs++
	case EventTypeDecoded:
		c.summary.Decoded++
	case EventTypeNoMessage:
		c.summary.NoMessage++
	case EventTypeNoAttachment:
		c.summary.NoAttachment++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDeliveryDuplicate:
		c.summary.DeliveryDuplicates++
	case EventTypeDeliveryError:
		c.summary.DeliveryErrors++
	}

	if evt.outcome() {
		c.summary.LastOutcome = string(evt.Type)
		c.summary.LastRunID = evt.RunID
		c.summary.LastRunAt = evt.At
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err.Error()
	}
}

// Log writes the current summary as one line.
func (c *Collector) Log(logger *slog.Logger, msg string) {
	if logger == nil {
		return
	}
	logger.Info(msg, c.Snapshot().LogAttrs()...)
}
