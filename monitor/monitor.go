// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor publishes link status snapshots.
package monitor // import "github.com/go-lpc/flx/monitor"

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx/card"
	"github.com/go-lpc/flx/config"
	mail "gopkg.in/gomail.v2"
)

// Sink receives link status snapshots.
type Sink interface {
	Publish(ctx context.Context, links []card.LinkStatus) error
}

// LogSink logs every link status.
type LogSink struct {
	Msg log.MsgStream
}

func (sink LogSink) Publish(ctx context.Context, links []card.LinkStatus) error {
	for _, link := range links {
		switch {
		case link.Enabled && !link.Aligned:
			sink.Msg.Warnf("%v link=%d enabled=%v aligned=%v", link.Device, link.Link, link.Enabled, link.Aligned)
		default:
			sink.Msg.Infof("%v link=%d enabled=%v aligned=%v", link.Device, link.Link, link.Enabled, link.Aligned)
		}
	}
	return nil
}

// Multi publishes to all its sinks.
// The first error is returned once every sink has been fed.
type Multi []Sink

func (ms Multi) Publish(ctx context.Context, links []card.LinkStatus) error {
	var err error
	for _, sink := range ms {
		e := sink.Publish(ctx, links)
		if e != nil && err == nil {
			err = e
		}
	}
	return err
}

type linkID struct {
	dev  card.DeviceID
	link uint32
}

// MailSink sends an alert mail when an enabled link loses its alignment.
// Alerts for a given link are capped.
type MailSink struct {
	cfg  config.Mail
	msg  log.MsgStream
	send func(m *mail.Message) error

	mu     sync.Mutex
	bad    map[linkID]bool
	alerts map[linkID]int
}

// NewMailSink creates a mail sink. An empty password is taken from the
// MAIL_PASSWORD environment variable.
func NewMailSink(cfg config.Mail, msg log.MsgStream) *MailSink {
	if cfg.Password == "" {
		cfg.Password = os.Getenv("MAIL_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	sink := &MailSink{
		cfg:    cfg,
		msg:    msg,
		bad:    make(map[linkID]bool),
		alerts: make(map[linkID]int),
	}
	sink.send = sink.dialAndSend
	return sink
}

func (sink *MailSink) dialAndSend(m *mail.Message) error {
	dial := mail.NewDialer(sink.cfg.Server, sink.cfg.Port, sink.cfg.User, sink.cfg.Password)
	dial.TLSConfig = &tls.Config{
		ServerName: sink.cfg.Server,
	}
	return dial.DialAndSend(m)
}

func (sink *MailSink) Publish(ctx context.Context, links []card.LinkStatus) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	var lost []card.LinkStatus
	for _, link := range links {
		id := linkID{link.Device, link.Link}
		bad := link.Enabled && !link.Aligned
		switch {
		case !bad:
			sink.bad[id] = false
		case sink.bad[id]:
			// already reported.
		default:
			sink.bad[id] = true
			if sink.alerts[id] >= sink.cfg.MaxAlerts {
				continue
			}
			sink.alerts[id]++
			lost = append(lost, link)
		}
	}
	if len(lost) == 0 {
		return nil
	}

	m := mail.NewMessage(mail.SetEncoding(mail.Unencoded))
	m.SetHeader("From", sink.cfg.From)
	m.SetHeader("Bcc", sink.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[flx-ctl] alignment alert: %d link(s) lost", len(lost)))

	body := new(strings.Builder)
	for _, link := range lost {
		fmt.Fprintf(body, "%v link=%d: not aligned (alert %d/%d)\n",
			link.Device, link.Link,
			sink.alerts[linkID{link.Device, link.Link}], sink.cfg.MaxAlerts,
		)
	}
	m.SetBody("text/plain", body.String())

	err := sink.send(m)
	if err != nil {
		sink.msg.Errorf("could not send mail alert: %+v", err)
		return fmt.Errorf("monitor: could not send mail alert: %w", err)
	}
	return nil
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MailSink)(nil)
	_ Sink = (Multi)(nil)
)
