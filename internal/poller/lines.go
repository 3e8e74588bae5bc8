package poller

import (
	"bytes"

	"github.com/warfeedhq/ingest/pkg/types"
)

// splitLines extracts complete terminator-ended lines from a chunk read at
// baseOffset. Bytes after the last newline are an unfinished tail; they are
// not consumed and will be re-read once the writer finishes the line.
// baseLine is the 1-based position of the first line in the chunk. Blank
// lines advance the counters but produce no RawLine.
func splitLines(sourceID string, data []byte, baseOffset, baseLine int64) (lines []types.RawLine, consumed int64, count int64) {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		raw := data[:idx]
		// Windows game servers terminate with \r\n.
		raw = bytes.TrimSuffix(raw, []byte{'\r'})

		if len(raw) > 0 {
			lines = append(lines, types.RawLine{
				SourceID: sourceID,
				Line:     baseLine + count,
				Offset:   baseOffset + consumed,
				Content:  string(raw),
			})
		}
		consumed += int64(idx + 1)
		count++
		data = data[idx+1:]
	}
	return lines, consumed, count
}
