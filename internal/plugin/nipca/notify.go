package nipca

import (
	"bufio"
	"io"
	"strings"
)

// NotifyStream wraps the camera's chunked notify_stream.cgi response.
// The camera pushes key=value lines whenever a monitored state changes;
// the stream stays open until either side drops it.
type NotifyStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newNotifyStream(body io.ReadCloser) *NotifyStream {
	return &NotifyStream{
		body:    body,
		scanner: bufio.NewScanner(body),
	}
}

// Next blocks until the camera pushes the next key=value line and
// returns the pair. Blank and unparseable lines are skipped. Returns
// io.EOF when the camera closes the stream.
func (s *NotifyStream) Next() (key, value string, err error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		return strings.ToLower(key), value, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

// Close tears the stream down. Any blocked Next call returns shortly
// after with an error.
func (s *NotifyStream) Close() error {
	return s.body.Close()
}
