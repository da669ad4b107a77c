package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/message"
	"github.com/dhcgn/mailsheet/model"
)

type Options struct {
	Path string
}

// Source reads candidate attachments from a local mbox archive. Archive order
// stands in for folder order, so the last qualifying message wins.
type Source struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
}

func NewSource(opts Options, f *filter.Filter, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if f == nil {
		var err error
		if f, err = filter.New(filter.Options{}); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{path: path, filter: f, logger: logger}, nil
}

func (s *Source) String() string {
	return "mbox://" + s.path
}

func (s *Source) Fetch(ctx context.Context, criteria model.Criteria) (model.Fetch, error) {
	var result model.Fetch
	f := s.filter.FromCriteria(criteria)
	if !f.HasSenders() {
		result.Warnings = append(result.Warnings, "no sender filter configured, searching all messages")
	}

	file, err := os.Open(s.path)
	if err != nil {
		return result, fmt.Errorf("%w: open mbox: %w", model.ErrConnection, err)
	}
	defer file.Close()

	model.ReportStage(ctx, model.StageSearching)
	var (
		selected []byte
		summary  message.Summary
		reader   = mboxlib.NewReader(file)
	)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: %w", model.ErrConnection, err)
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("%w: message %d: %w", model.ErrProtocol, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return result, fmt.Errorf("%w: message %d read: %w", model.ErrProtocol, idx, err)
		}

		sum, err := message.ReadSummary(raw)
		if err != nil {
			s.logger.Debug("mbox message header unreadable", "index", idx, "err", err)
			continue
		}
		if !f.MatchesSender(sum.From) {
			continue
		}
		result.MessagesFound++
		if !f.MatchesSubject(sum.Subject) {
			continue
		}
		selected, summary = raw, sum
	}

	if selected == nil {
		return result, fmt.Errorf("%w: %d sender matches in %s", model.ErrNoQualifyingMessage, result.MessagesFound, s.path)
	}
	model.ReportStage(ctx, model.StageSelecting)
	result.Subject, result.From, result.ReceivedAt = summary.Subject, summary.From, summary.Date

	scan, err := message.FindAttachment(selected, f)
	result.Considered = scan.Considered
	result.Warnings = append(result.Warnings, scan.Warnings...)
	if err != nil {
		return result, err
	}
	result.Attachment = scan.Attachment
	return result, nil
}
