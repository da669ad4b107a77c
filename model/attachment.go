package model

import (
	"errors"
	"time"
)

var (
	ErrConnection            = errors.New("mailbox connection failed")
	ErrProtocol              = errors.New("mailbox protocol error")
	ErrNoQualifyingMessage   = errors.New("no qualifying message")
	ErrNoSupportedAttachment = errors.New("no supported attachment")
	ErrUnsupportedFormat     = errors.New("unsupported attachment format")
	ErrMalformedContent      = errors.New("malformed attachment content")
)

// Criteria selects qualifying messages. Senders are OR-matched as
// case-insensitive substrings of the From address.
type Criteria struct {
	Senders         []string
	SubjectContains string
}

// RawAttachment is one attachment as yielded by a source. The source does not
// touch Content after returning it.
type RawAttachment struct {
	Filename  string
	MIMEHint  string
	Content   []byte
	SizeBytes int64
}

// Fetch describes what a source saw during one lookup. It is returned
// alongside NotFound errors so the outcome can still be reported.
type Fetch struct {
	Attachment    *RawAttachment
	MessagesFound int
	Subject       string
	From          string
	ReceivedAt    time.Time
	Considered    []string
	Warnings      []string
}
