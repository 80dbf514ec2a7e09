package parser

import "bytes"

// DefaultBatchSize is the number of lines handled per stdout chunk.
const DefaultBatchSize = 20

// maxPartial bounds a line that never terminates.
const maxPartial = 64 * 1024

// Batcher splits stdout chunks into lines and caps how many lines of one
// chunk are handed on. A trailing partial line is carried into the next chunk.
type Batcher struct {
	limit   int
	partial []byte
}

// NewBatcher creates a batcher handing on at most limit lines per chunk.
func NewBatcher(limit int) *Batcher {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return &Batcher{limit: limit}
}

// Feed returns the complete lines of chunk, at most limit of them, and the
// number of complete lines dropped beyond the limit.
func (b *Batcher) Feed(chunk []byte) (lines []string, dropped int) {
	data := chunk
	if len(b.partial) > 0 {
		data = append(b.partial, chunk...)
		b.partial = nil
	}

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte{'\r'})
		data = data[i+1:]
		if len(lines) < b.limit {
			lines = append(lines, string(line))
		} else {
			dropped++
		}
	}

	if len(data) > 0 {
		if len(data) > maxPartial {
			dropped++
		} else {
			b.partial = append([]byte(nil), data...)
		}
	}
	return lines, dropped
}

// Flush returns a pending unterminated line, if any.
func (b *Batcher) Flush() (string, bool) {
	if len(b.partial) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.partial, []byte{'\r'}))
	b.partial = nil
	return line, true
}
