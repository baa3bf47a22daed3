package log

import (
	"fmt"
	"log/syslog"
	"regexp"
	"sync"
)

// UseMock sets a mock logger as the default logger, and returns it.
func UseMock() *Mock {
	m := NewMock()
	_Singleton.log = m
	return m
}

// NewMock creates a mock logger that saves all messages in memory for
// inspection by tests.
func NewMock() *Mock {
	return &Mock{impl{newMockWriter()}}
}

// Mock is a logger that stores all log messages in memory to be examined by
// a test.
type Mock struct {
	impl
}

// mockWriter is a writer that stores all logged messages in a buffer.
type mockWriter struct {
	logged *[]string
	mu     *sync.Mutex
}

var levelName = map[syslog.Priority]string{
	syslog.LOG_ERR:     "ERR",
	syslog.LOG_WARNING: "WARNING",
	syslog.LOG_INFO:    "INFO",
	syslog.LOG_DEBUG:   "DEBUG",
}

func (w mockWriter) logAtLevel(level syslog.Priority, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.logged = append(*w.logged, fmt.Sprintf("%s: %s", levelName[level&7], msg))
}

// newMockWriter returns a new mockWriter
func newMockWriter() mockWriter {
	logged := []string{}
	return mockWriter{
		logged: &logged,
		mu:     &sync.Mutex{},
	}
}

// GetAll returns all messages logged since instantiation or the last call to
// Clear().
//
// The caller must not modify the returned slice or its elements.
func (m *Mock) GetAll() []string {
	w := m.w.(mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.logged
}

// GetAllMatching returns all messages logged since instantiation or the last
// Clear() whose text matches the given regexp. The regexp is
// accepted as a string and compiled on the fly, because convenience
// is more important than performance.
//
// The caller must not modify the elements of the returned slice.
func (m *Mock) GetAllMatching(reString string) []string {
	var matches []string
	w := m.w.(mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	re := regexp.MustCompile(reString)
	for _, logMsg := range *w.logged {
		if re.MatchString(logMsg) {
			matches = append(matches, logMsg)
		}
	}
	return matches
}

// Clear removes any stored log events.
func (m *Mock) Clear() {
	w := m.w.(mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.logged = []string{}
}
