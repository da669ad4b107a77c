package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/message"
	"github.com/dhcgn/mailsheet/model"
)

const (
	DefaultMailbox   = "INBOX"
	DefaultScanLimit = 10

	defaultLogoutTimeout = 10 * time.Second
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	ConnectTimeout     time.Duration
	// ScanLimit caps how many of the newest sender matches are inspected
	// when a subject filter is set.
	ScanLimit int
}

// Envelope is the header subset used to pick a message before its body is
// downloaded.
type Envelope struct {
	Subject string
	From    string
	Date    time.Time
}

// Session is one logged-in conversation with a mailbox server.
type Session interface {
	// Select opens the mailbox read-only and returns its message count.
	Select(mailbox string) (uint32, error)
	// Search returns sequence numbers of messages whose From header contains
	// any of the senders. No senders means every message.
	Search(senders []string) ([]uint32, error)
	Envelope(seq uint32) (Envelope, error)
	Body(seq uint32) ([]byte, error)
	Logout() error
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

// Source fetches the candidate attachment from an IMAP mailbox. Every call
// opens its own session and tears it down before returning.
type Source struct {
	opts   Options
	filter *filter.Filter
	dial   Dialer
	logger *slog.Logger

	logoutTimeout time.Duration
}

func NewSource(opts Options, f *filter.Filter, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return newSource(opts, f, clientDialer(opts, logger), logger), nil
}

func newSource(opts Options, f *filter.Filter, dial Dialer, logger *slog.Logger) *Source {
	if opts.Mailbox == "" {
		opts.Mailbox = DefaultMailbox
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = DefaultScanLimit
	}
	if f == nil {
		f, _ = filter.New(filter.Options{})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{opts: opts, filter: f, dial: dial, logger: logger, logoutTimeout: defaultLogoutTimeout}
}

func (s *Source) String() string {
	return fmt.Sprintf("imap://%s@%s:%d/%s", s.opts.Username, s.opts.Host, s.opts.Port, s.opts.Mailbox)
}

// Fetch selects the newest message matching the criteria and returns its
// first supported attachment. The returned Fetch is populated as far as the
// lookup got, also when err is one of the not-found sentinels.
func (s *Source) Fetch(ctx context.Context, criteria model.Criteria) (result model.Fetch, err error) {
	f := s.filter.FromCriteria(criteria)

	session, err := s.dial(ctx)
	if err != nil {
		if errors.Is(err, model.ErrConnection) {
			return result, err
		}
		return result, fmt.Errorf("%w: %w", model.ErrConnection, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer func() {
		// The context close stays armed through LOGOUT; a silent server is
		// also cut off after logoutTimeout.
		if ctx.Err() == nil {
			timer := time.AfterFunc(s.logoutTimeout, func() {
				_ = session.Close()
			})
			if err := session.Logout(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
			timer.Stop()
		}
		stopClose()
		if err := session.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}()

	total, err := session.Select(s.opts.Mailbox)
	if err != nil {
		return result, s.classify(ctx, fmt.Errorf("select %s: %w", s.opts.Mailbox, err))
	}
	s.logger.Debug("imap mailbox selected", "mailbox", s.opts.Mailbox, "messages", total)
	if total == 0 {
		return result, fmt.Errorf("%w: mailbox %s is empty", model.ErrNoQualifyingMessage, s.opts.Mailbox)
	}

	model.ReportStage(ctx, model.StageSearching)
	if !f.HasSenders() {
		result.Warnings = append(result.Warnings, "no sender filter configured, searching all messages")
	}
	seqs, err := session.Search(f.Senders())
	if err != nil {
		return result, s.classify(ctx, fmt.Errorf("search: %w", err))
	}
	result.MessagesFound = len(seqs)
	if len(seqs) == 0 {
		return result, fmt.Errorf("%w: no message from %v", model.ErrNoQualifyingMessage, f.Senders())
	}

	model.ReportStage(ctx, model.StageSelecting)
	seq, env, err := s.pick(ctx, session, f, seqs, &result)
	if err != nil {
		return result, err
	}
	result.Subject, result.From, result.ReceivedAt = env.Subject, env.From, env.Date

	raw, err := session.Body(seq)
	if err != nil {
		return result, s.classify(ctx, fmt.Errorf("fetch body of message %d: %w", seq, err))
	}

	scan, err := message.FindAttachment(raw, f)
	if scan.Subject != "" {
		result.Subject = scan.Subject
	}
	if scan.From != "" {
		result.From = scan.From
	}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = scan.Date
	}
	result.Considered = scan.Considered
	result.Warnings = append(result.Warnings, scan.Warnings...)
	if err != nil {
		return result, fmt.Errorf("message %d: %w", seq, err)
	}
	result.Attachment = scan.Attachment
	return result, nil
}

// pick walks the matches newest first. Sequence order is folder order, so the
// highest number is the most recently delivered message.
func (s *Source) pick(ctx context.Context, session Session, f *filter.Filter, seqs []uint32, result *model.Fetch) (uint32, Envelope, error) {
	seqs = slices.Clone(seqs)
	slices.Sort(seqs)
	slices.Reverse(seqs)

	if f.SubjectContains() == "" {
		env, err := session.Envelope(seqs[0])
		if err != nil {
			return 0, Envelope{}, s.classify(ctx, fmt.Errorf("fetch envelope of message %d: %w", seqs[0], err))
		}
		return seqs[0], env, nil
	}

	limit := min(len(seqs), s.opts.ScanLimit)
	for _, seq := range seqs[:limit] {
		env, err := session.Envelope(seq)
		if err != nil {
			return 0, Envelope{}, s.classify(ctx, fmt.Errorf("fetch envelope of message %d: %w", seq, err))
		}
		if f.MatchesSubject(env.Subject) {
			return seq, env, nil
		}
		s.logger.Debug("imap message skipped by subject", "seq", seq, "subject", env.Subject)
	}

	if limit < len(seqs) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("subject filter checked the newest %d of %d sender matches", limit, len(seqs)))
	}
	return 0, Envelope{}, fmt.Errorf("%w: no subject containing %q among %d messages", model.ErrNoQualifyingMessage, f.SubjectContains(), limit)
}

func (s *Source) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", model.ErrConnection, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	return fmt.Errorf("%w: %w", model.ErrProtocol, err)
}
