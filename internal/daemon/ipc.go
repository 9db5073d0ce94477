// SPDX-License-Identifier: MPL-2.0

package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/session"
)

const maxRequestLine = 1 << 20

const (
	// MessageEvent carries an event.
	MessageEvent MessageType = "event"
	// MessageReply answers a request.
	MessageReply MessageType = "reply"
	// MessageError reports a problem outside any request, such as a
	// subscriber disconnected for backpressure.
	MessageError MessageType = "error"
)

type (
	// MessageType names an outbound message.
	MessageType string

	// Message is one outbound JSON line. Reply fields are inlined.
	Message struct {
		Type  MessageType  `json:"type"`
		Event *event.Event `json:"event,omitempty"`
		*Reply
	}

	lineWriter struct {
		mu  sync.Mutex
		enc *json.Encoder
		err error
	}
)

// Serve speaks the JSON lines protocol: requests are read from r one per
// line, and events and replies are written to w. It returns when r is
// exhausted or ctx is done. Events published before the subscription are
// not replayed; a frontend resynchronizes with query.
func (d *Daemon) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)

	out := &lineWriter{enc: json.NewEncoder(w)}
	sub := d.bus.Subscribe(d.cfg.SubscriberBuffer)

	var wg sync.WaitGroup
	wg.Go(func() { d.forward(ctx, sub, out) })
	defer wg.Wait()
	defer cancel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRequestLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			bad := failed(Request{}, fmt.Errorf("%w: %w", ErrBadRequest, err))
			_ = out.write(Message{Type: MessageReply, Reply: &bad})
			continue
		}

		reply := d.Do(ctx, req)
		if err := out.write(Message{Type: MessageReply, Reply: &reply}); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read requests: %w", err)
	}
	return nil
}

// forward copies events to out. A subscription dropped for backpressure is
// reported and replaced.
func (d *Daemon) forward(ctx context.Context, sub *event.Subscription, out *lineWriter) {
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				if err == nil {
					return
				}
				d.logger.Warn("event subscriber dropped", "err", err)
				_ = out.write(Message{Type: MessageError, Reply: &Reply{Error: err.Error(), Kind: session.Classify(err)}})
				sub = d.bus.Subscribe(d.cfg.SubscriberBuffer)
				continue
			}
			if err := out.write(Message{Type: MessageEvent, Event: &e}); err != nil {
				return
			}
		}
	}
}

// write encodes one message; after the first failure every write fails.
func (l *lineWriter) write(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return l.err
	}
	l.err = l.enc.Encode(m)
	return l.err
}
