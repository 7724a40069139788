package remote

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds one SSE line.
const maxEventSize = 1 << 20

// ParseSSEStream reads server-sent events and calls handler for each
// complete event with its type and data. Multi-line data is joined with
// newlines; comment, id and retry lines are ignored. A handler error stops
// parsing and is returned.
func ParseSSEStream(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var eventType string
	var dataLines []string
	dispatch := func() error {
		if eventType == "" && len(dataLines) == 0 {
			return nil
		}
		typ, data := eventType, strings.Join(dataLines, "\n")
		eventType, dataLines = "", nil
		if data == "" {
			return nil
		}
		return handler(typ, data)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}
