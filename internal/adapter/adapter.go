// Package adapter turns framed wire messages from agent backends into
// canonical stream events.
//
// A Decoder is created per session and keeps the per-session wire state a
// protocol needs (open stream blocks, which tool calls spawned subagents).
// Decoders are not safe for concurrent use.
package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
)

// maxLineSize bounds one wire message.
const maxLineSize = 10 * 1024 * 1024

// Decoder converts one wire message into zero or more canonical events.
// Messages a decoder does not recognize become streams.Unknown; an error is
// returned only when the message is not valid JSON.
type Decoder interface {
	Protocol() string
	Decode(raw []byte) ([]streams.Event, error)
}

// DecodeOrUnknown decodes raw, turning a decode error into a single Unknown
// event so nothing is silently lost.
func DecodeOrUnknown(d Decoder, raw []byte) []streams.Event {
	events, err := d.Decode(raw)
	if err != nil {
		return []streams.Event{&streams.Unknown{
			Meta:    streams.Meta{Raw: rawJSON(raw)},
			TypeTag: d.Protocol(),
			Reason:  err.Error(),
		}}
	}
	return events
}

// Pump reads newline-delimited wire messages from r and sends the decoded
// events on out until r is exhausted or ctx is cancelled. out is closed
// when Pump returns.
func Pump(ctx context.Context, d Decoder, r io.Reader, out chan<- streams.Event, log *logger.Logger) error {
	defer close(out)
	if log == nil {
		log = logger.Default()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lines := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		// The scanner reuses its buffer.
		raw := append([]byte(nil), line...)
		for _, ev := range DecodeOrUnknown(d, raw) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s stream after %d lines: %w", d.Protocol(), lines, err)
	}
	log.Debug("wire stream ended",
		zap.String("protocol", d.Protocol()),
		zap.Int("lines", lines))
	return nil
}

// rawJSON keeps raw as a JSON value, quoting it when it is not valid JSON.
func rawJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
