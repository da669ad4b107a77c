package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/mailsheet/model"
)

const defaultConnectTimeout = 30 * time.Second

type clientSession struct {
	client *imapclient.Client
}

func clientDialer(opts Options, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Session, error) {
		address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}

		options := &imapclient.Options{
			WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		}
		netDialer := &net.Dialer{Timeout: timeout}

		var (
			conn net.Conn
			err  error
		)
		if opts.UseTLS {
			options.TLSConfig = &tls.Config{
				ServerName:         opts.Host,
				InsecureSkipVerify: opts.InsecureSkipVerify,
			}
			tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: options.TLSConfig}
			conn, err = tlsDialer.DialContext(ctx, "tcp", address)
		} else {
			conn, err = netDialer.DialContext(ctx, "tcp", address)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: dial imap %s: %w", model.ErrConnection, address, err)
		}

		client := imapclient.New(conn, options)
		stop := context.AfterFunc(ctx, func() {
			_ = client.Close()
		})
		err = client.Login(opts.Username, opts.Password).Wait()
		stop()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: imap login failed: %w", model.ErrConnection, err)
		}

		if logger != nil {
			logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS)
		}
		return &clientSession{client: client}, nil
	}
}

func (c *clientSession) Select(mailbox string) (uint32, error) {
	data, err := c.client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

func (c *clientSession) Search(senders []string) ([]uint32, error) {
	data, err := c.client.Search(searchCriteria(senders), nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllSeqNums(), nil
}

func (c *clientSession) Envelope(seq uint32) (Envelope, error) {
	msgs, err := c.client.Fetch(imapv2.SeqSetNum(seq), &imapv2.FetchOptions{
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return Envelope{}, err
	}
	if len(msgs) == 0 || msgs[0].Envelope == nil {
		return Envelope{}, fmt.Errorf("no envelope returned for message %d", seq)
	}

	env := msgs[0].Envelope
	out := Envelope{Subject: env.Subject, Date: env.Date}
	if out.Date.IsZero() {
		out.Date = msgs[0].InternalDate
	}
	if len(env.From) > 0 {
		out.From = formatAddress(env.From[0])
	}
	return out, nil
}

func (c *clientSession) Body(seq uint32) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	msgs, err := c.client.Fetch(imapv2.SeqSetNum(seq), &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no body returned for message %d", seq)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("message %d has no body section", seq)
	}
	return body, nil
}

func (c *clientSession) Logout() error {
	return c.client.Logout().Wait()
}

func (c *clientSession) Close() error {
	return c.client.Close()
}

// searchCriteria ORs a FROM header match per sender. IMAP OR is binary, so
// more than two senders nest to the right.
func searchCriteria(senders []string) *imapv2.SearchCriteria {
	switch len(senders) {
	case 0:
		return &imapv2.SearchCriteria{}
	case 1:
		return &imapv2.SearchCriteria{
			Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: senders[0]}},
		}
	}
	first := searchCriteria(senders[:1])
	rest := searchCriteria(senders[1:])
	return &imapv2.SearchCriteria{
		Or: [][2]imapv2.SearchCriteria{{*first, *rest}},
	}
}

func formatAddress(addr imapv2.Address) string {
	if addr.Name == "" {
		return addr.Addr()
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
}
