// Package sse decodes server-sent event streams delivered in arbitrary chunks.
//
// Parse is pure: it never performs I/O and keeps no state between calls other
// than the leftover text it hands back. Decoder wraps that leftover so callers
// can feed transport chunks as they arrive.
package sse

import "strings"

// Event is one complete, blank-line terminated stream event.
type Event struct {
	Kind string
	Data string
}

// Parse splits buffer into complete events. Anything after the last blank
// line that closes an event is returned verbatim in remaining, so that
// Parse(remaining + next) resumes exactly where this call stopped.
func Parse(buffer string) (events []Event, remaining string) {
	var cur builder
	pendingStart := 0
	pos := 0
	for {
		nl := strings.IndexByte(buffer[pos:], '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(buffer[pos:pos+nl], "\r")
		pos += nl + 1

		if line == "" {
			if cur.started() {
				events = append(events, cur.event())
			}
			cur = builder{}
			pendingStart = pos
			continue
		}

		cur.field(line)
		if !cur.started() {
			// Comments and unknown fields outside an event carry nothing.
			pendingStart = pos
		}
	}
	return events, buffer[pendingStart:]
}

type builder struct {
	kind    string
	data    []string
	hasData bool
}

func (b *builder) started() bool {
	return b.kind != "" || b.hasData
}

func (b *builder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "event":
		b.kind = strings.TrimSpace(value)
	case "data":
		b.data = append(b.data, value)
		b.hasData = true
	}
}

func (b *builder) event() Event {
	return Event{Kind: b.kind, Data: strings.Join(b.data, "\n")}
}

// Decoder carries the unconsumed tail of a stream between chunks.
type Decoder struct {
	buf string
}

// Feed appends chunk to the carried buffer and returns every event it
// completes, in order.
func (d *Decoder) Feed(chunk string) []Event {
	events, rest := Parse(d.buf + chunk)
	d.buf = rest
	return events
}

// Flush treats the carried buffer as if the stream had closed it with a blank
// line. Use it once the body has ended.
func (d *Decoder) Flush() []Event {
	rest := d.buf
	d.buf = ""
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	events, _ := Parse(rest + "\n\n")
	return events
}

// Remaining returns the carried, not yet decoded text.
func (d *Decoder) Remaining() string {
	return d.buf
}
