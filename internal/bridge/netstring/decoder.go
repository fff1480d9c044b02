package netstring

import "bytes"

// Decoder reassembles a byte stream into framed messages and, where the
// stream is not framed, into text lines. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the pending bytes and returns everything that can
// be decoded. Framed payloads come back in frames, unframed output as
// complete lines without their terminator. A frame whose bytes are still
// in flight, or a text line without its newline, stays buffered.
func (d *Decoder) Feed(chunk []byte) (frames, lines []string) {
	d.buf = append(d.buf, chunk...)

	for len(d.buf) > 0 {
		msgs, n := Decode(d.buf)
		if n > 0 {
			frames = append(frames, msgs...)
			d.buf = d.buf[n:]
			continue
		}
		if incomplete(d.buf) {
			break
		}

		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			if len(d.buf) <= MaxFrameSize {
				break
			}
			nl = len(d.buf)
		}
		if line := string(bytes.TrimRight(d.buf[:nl], "\r")); line != "" {
			lines = append(lines, line)
		}
		if nl < len(d.buf) {
			nl++
		}
		d.buf = d.buf[nl:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, lines
}

// Buffered returns the number of bytes waiting for more input.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any buffered bytes, e.g. after a reconnect.
func (d *Decoder) Reset() { d.buf = nil }
