package providers

import (
	"bufio"
	"io"
	"strings"
)

type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads Server-Sent Events. Events end at a blank line; data
// lines are joined with "\n"; comments and unknown fields are ignored.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = sseEvent{}

	var data []string
	var eventType string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = sseEvent{Type: eventType, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = sseEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

func (s *sseScanner) Event() sseEvent {
	return s.current
}

// Err returns nil after a clean end of stream.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
