// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx/card"
	"github.com/go-lpc/flx/config"
	mail "gopkg.in/gomail.v2"
)

func TestLogSink(t *testing.T) {
	buf := new(bytes.Buffer)
	sink := LogSink{Msg: log.NewMsgStream("mon", log.LvlDebug, buf)}

	err := sink.Publish(context.Background(), []card.LinkStatus{
		{Device: card.DeviceID{Card: 3, SLR: 1}, Link: 2, Enabled: true, Aligned: false},
		{Device: card.DeviceID{Card: 3, SLR: 1}, Link: 4, Enabled: true, Aligned: true},
	})
	if err != nil {
		t.Fatalf("could not publish: %+v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"card=3 slr=1 dev=4 link=2 enabled=true aligned=false",
		"card=3 slr=1 dev=4 link=4 enabled=true aligned=true",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in log:\n%s", want, out)
		}
	}
}

func TestMailSink(t *testing.T) {
	var sent []*mail.Message
	sink := NewMailSink(config.Mail{
		Server:    "smtp.example.org",
		Port:      587,
		User:      "daq@example.org",
		Password:  "s3cr3t",
		To:        []string{"shifter@example.org"},
		MaxAlerts: 2,
	}, log.NewMsgStream("mon", log.LvlDebug, io.Discard))
	sink.send = func(m *mail.Message) error {
		sent = append(sent, m)
		return nil
	}

	var (
		ctx = context.Background()
		dev = card.DeviceID{Card: 0, SLR: 1}
		ok  = card.LinkStatus{Device: dev, Link: 3, Enabled: true, Aligned: true}
		ko  = card.LinkStatus{Device: dev, Link: 3, Enabled: true, Aligned: false}
		off = card.LinkStatus{Device: dev, Link: 5, Enabled: false, Aligned: false}
	)

	for i, tc := range []struct {
		links []card.LinkStatus
		sent  int
	}{
		{[]card.LinkStatus{ok, off}, 0},
		{[]card.LinkStatus{ko, off}, 1}, // lost
		{[]card.LinkStatus{ko, off}, 1}, // still lost, already reported
		{[]card.LinkStatus{ok, off}, 1},
		{[]card.LinkStatus{ko, off}, 2}, // lost again
		{[]card.LinkStatus{ok, off}, 2},
		{[]card.LinkStatus{ko, off}, 2}, // alerts capped
	} {
		err := sink.Publish(ctx, tc.links)
		if err != nil {
			t.Fatalf("could not publish snapshot %d: %+v", i, err)
		}
		if got, want := len(sent), tc.sent; got != want {
			t.Fatalf("snapshot %d: invalid number of mails: got=%d, want=%d", i, got, want)
		}
	}

	m := sent[0]
	if got, want := m.GetHeader("Bcc"), []string{"shifter@example.org"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid recipients: got=%q, want=%q", got, want)
	}
	if got, want := m.GetHeader("From"), []string{"daq@example.org"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid sender: got=%q, want=%q", got, want)
	}
	raw := new(bytes.Buffer)
	_, err := m.WriteTo(raw)
	if err != nil {
		t.Fatalf("could not render mail: %+v", err)
	}
	if want := "card=0 slr=1 dev=1 link=3: not aligned (alert 1/2)"; !strings.Contains(raw.String(), want) {
		t.Fatalf("missing %q in mail:\n%s", want, raw.String())
	}
}

type errSink struct{ err error }

func (sink errSink) Publish(ctx context.Context, links []card.LinkStatus) error {
	return sink.err
}

type countSink struct{ n int }

func (sink *countSink) Publish(ctx context.Context, links []card.LinkStatus) error {
	sink.n += len(links)
	return nil
}

func TestMulti(t *testing.T) {
	var (
		errA = errors.New("sink-a")
		cnt  countSink
		sink = Multi{errSink{errA}, &cnt, errSink{errors.New("sink-b")}}
	)
	err := sink.Publish(context.Background(), []card.LinkStatus{{}, {}})
	if !errors.Is(err, errA) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := cnt.n, 2; got != want {
		t.Fatalf("sink not fed: got=%d, want=%d", got, want)
	}
}
