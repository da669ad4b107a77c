// Package message extracts the header summary and the candidate tabular
// attachment from one raw RFC 5322 message.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/model"
)

// ErrMalformedMessage marks messages that cannot be parsed as mail. It wraps
// model.ErrProtocol so the run is reported as a protocol failure.
var ErrMalformedMessage = fmt.Errorf("%w: malformed message", model.ErrProtocol)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// Summary holds the decoded headers used for filtering and reporting.
type Summary struct {
	Subject string
	From    string
	Date    time.Time
}

// Scan is the result of looking for the candidate attachment in a message.
type Scan struct {
	Summary
	Attachment *model.RawAttachment
	Considered []string
	Warnings   []string
}

// ReadSummary decodes only the headers of raw.
func ReadSummary(raw []byte) (Summary, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Summary{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()
	return summarize(mr.Header), nil
}

// FindAttachment walks the parts of raw in order and returns the first
// attachment whose filename passes f. Scanning stops at the first match.
// When nothing qualifies the Scan is returned with model.ErrNoSupportedAttachment.
func FindAttachment(raw []byte, f *filter.Filter) (Scan, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Scan{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()

	scan := Scan{Summary: summarize(mr.Header)}
	if err != nil {
		scan.Warnings = append(scan.Warnings, err.Error())
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err) {
				scan.Warnings = append(scan.Warnings, err.Error())
				continue
			}
			return scan, fmt.Errorf("%w: read part: %v", ErrMalformedMessage, err)
		}

		filename, mimeType := partFilename(part.Header)
		if filename == "" {
			continue
		}
		scan.Considered = append(scan.Considered, filename)

		if !f.AllowsFilename(filename) {
			continue
		}

		limit := f.MaxAttachmentBytes()
		data, err := io.ReadAll(io.LimitReader(part.Body, limit+1))
		if err != nil {
			return scan, fmt.Errorf("%w: read attachment %s: %v", ErrMalformedMessage, filename, err)
		}
		if int64(len(data)) > limit {
			scan.Warnings = append(scan.Warnings, fmt.Sprintf("skipped %s: larger than %d bytes", filename, limit))
			continue
		}

		scan.Attachment = &model.RawAttachment{
			Filename:  filename,
			MIMEHint:  mimeType,
			Content:   data,
			SizeBytes: int64(len(data)),
		}
		return scan, nil
	}

	return scan, model.ErrNoSupportedAttachment
}

func partFilename(h mail.PartHeader) (string, string) {
	switch h := h.(type) {
	case *mail.AttachmentHeader:
		filename, _ := h.Filename()
		mimeType, _, _ := h.ContentType()
		return decodeWord(filename), mimeType
	case *mail.InlineHeader:
		mimeType, ctParams, _ := h.ContentType()
		if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
			return decodeWord(params["filename"]), mimeType
		}
		if ctParams["name"] != "" && h.Get("Content-Disposition") != "" {
			return decodeWord(ctParams["name"]), mimeType
		}
	}
	return "", ""
}

func summarize(h mail.Header) Summary {
	var s Summary

	if subject, err := h.Subject(); err == nil {
		s.Subject = subject
	} else {
		s.Subject = h.Get("Subject")
	}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		parts := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			if addr.Name != "" {
				parts = append(parts, addr.Name+" <"+addr.Address+">")
			} else {
				parts = append(parts, addr.Address)
			}
		}
		s.From = strings.Join(parts, ", ")
	} else {
		s.From = h.Get("From")
	}

	if date, err := h.Date(); err == nil {
		s.Date = date
	}

	return s
}

// decodeWord decodes RFC 2047 encoded words such as =?UTF-8?Q?Umsatz_=C3=9Cbersicht.csv?=
func decodeWord(s string) string {
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(decoded)
}
