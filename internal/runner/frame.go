package runner

import (
	"encoding/json"
	"strings"

	"github.com/jsclaw/jsclaw/internal/protocol"
)

// frameParser accumulates container stdout and yields one ContainerOutput
// per sentinel-framed span. It is chunk-boundary tolerant: partial markers
// and partial payloads stay buffered until the closing marker arrives.
type frameParser struct {
	buf strings.Builder
}

// feed appends a chunk of stdout and returns every output completed by it.
func (p *frameParser) feed(chunk []byte) []*protocol.ContainerOutput {
	p.buf.Write(chunk)

	var outputs []*protocol.ContainerOutput
	data := p.buf.String()

	for {
		start := strings.Index(data, protocol.OutputStartMarker)
		if start < 0 {
			break
		}

		rest := data[start+len(protocol.OutputStartMarker):]
		end := strings.Index(rest, protocol.OutputEndMarker)
		if end < 0 {
			// Closing marker not seen yet; keep the tail from the start
			// marker onward and wait for more data.
			data = data[start:]
			p.buf.Reset()
			p.buf.WriteString(data)
			return outputs
		}

		payload := strings.TrimSpace(rest[:end])
		outputs = append(outputs, parsePayload(payload))

		data = rest[end+len(protocol.OutputEndMarker):]
	}

	p.buf.Reset()
	p.buf.WriteString(data)
	return outputs
}

// size returns the number of buffered, not-yet-framed bytes.
func (p *frameParser) size() int {
	return p.buf.Len()
}

func parsePayload(payload string) *protocol.ContainerOutput {
	var out protocol.ContainerOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		snippet := payload
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &protocol.ContainerOutput{
			Status: "error",
			Result: nil,
			Error:  "Failed to parse output: " + snippet,
		}
	}
	return &out
}
