// Package sink delivers decoded attachments to collaborators outside the
// process: a local directory, a GCS bucket and an e-mail report.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailsheet/decoder"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/state"
	"github.com/dhcgn/mailsheet/stats"
)

// Delivery is everything a sink may publish about one decoded attachment.
type Delivery struct {
	RunID       string
	Attachment  *model.RawAttachment
	Dataset     *model.Dataset
	Subject     string
	From        string
	Warnings    []string
	ProcessedAt time.Time
	Hash        string
}

func (d Delivery) Filename() string {
	if d.Attachment == nil {
		return ""
	}
	return safeName(d.Attachment.Filename)
}

func (d Delivery) ContentType() string {
	if d.Attachment == nil || d.Attachment.MIMEHint == "" {
		return "application/octet-stream"
	}
	return d.Attachment.MIMEHint
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// ObjectPath places a file under a UTC date prefix: YYYY/MM/DD/<filename>.
func ObjectPath(t time.Time, filename string) string {
	return path.Join(t.UTC().Format("2006/01/02"), safeName(filename))
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}

// Metadata describes a delivered attachment. Keys match what downstream
// consumers of the bucket layout expect.
func Metadata(d Delivery, uploadedAt time.Time) map[string]string {
	md := map[string]string{
		"content_type":   d.ContentType(),
		"parsed_at":      d.ProcessedAt.UTC().Format(time.RFC3339),
		"parser_version": decoder.Version,
		"uploaded_at":    uploadedAt.UTC().Format(time.RFC3339),
		"run_id":         d.RunID,
		"sha256":         d.Hash,
	}
	if d.Attachment != nil {
		md["original_size"] = strconv.FormatInt(d.Attachment.SizeBytes, 10)
	}
	if d.Dataset != nil {
		md["rows"] = strconv.Itoa(d.Dataset.RowCount())
		md["columns"] = strconv.Itoa(d.Dataset.ColumnCount())
	}
	return md
}

type document struct {
	Metadata map[string]string `json:"metadata"`
	Dataset  *model.Dataset    `json:"dataset"`
}

// datasetJSON renders the companion <filename>.json object.
func datasetJSON(d Delivery, uploadedAt time.Time) ([]byte, error) {
	data, err := json.MarshalIndent(document{Metadata: Metadata(d, uploadedAt), Dataset: d.Dataset}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return data, nil
}

// Dispatcher fans one delivery out to every sink. A sink that already got
// the same content is skipped.
type Dispatcher struct {
	sinks   []Sink
	tracker state.Tracker
	observe func(stats.Event)
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(tracker state.Tracker, observe func(stats.Event), logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	if observe == nil {
		observe = func(stats.Event) {}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{sinks: sinks, tracker: tracker, observe: observe, logger: logger, now: time.Now}
}

func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch delivers to all sinks concurrently and returns the first error.
// A failing sink does not cancel the others.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) error {
	if del.Attachment == nil || del.Dataset == nil {
		return fmt.Errorf("delivery for run %s has no attachment", del.RunID)
	}
	if del.Hash == "" {
		del.Hash = state.Hash(del.Attachment.Content)
	}

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			return d.deliver(ctx, s, del)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, del Delivery) error {
	name := s.Name()
	logger := d.logger.With("sink", name, "runID", del.RunID, "attachment", del.Filename())

	if d.tracker.AlreadyDelivered(name, del.Hash) {
		logger.Debug("attachment already delivered", "sha256", del.Hash)
		d.observe(stats.Event{Type: stats.EventTypeDeliveryDuplicate, RunID: del.RunID, Sink: name})
		return nil
	}

	if err := s.Deliver(ctx, del); err != nil {
		err = fmt.Errorf("sink %s: %w", name, err)
		logger.Error("delivery failed", "err", err)
		d.observe(stats.Event{Type: stats.EventTypeDeliveryError, RunID: del.RunID, Sink: name, Err: err})
		return err
	}

	record := state.Delivery{Sink: name, Hash: del.Hash, Filename: del.Filename(), RunID: del.RunID, DeliveredAt: d.now().UTC()}
	if err := d.tracker.MarkDelivered(record); err != nil {
		logger.Warn("delivery not recorded", "err", err)
	}
	logger.Info("attachment delivered")
	d.observe(stats.Event{Type: stats.EventTypeDelivered, RunID: del.RunID, Sink: name})
	return nil
}
