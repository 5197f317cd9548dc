// Package logger records terminal sessions as asciinema v2 casts.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Event is one [time_offset, event_type, data] line of a cast.
type Event struct {
	TimeOffset float64
	EventType  string
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	var ok bool
	if e.TimeOffset, ok = arr[0].(float64); !ok {
		return fmt.Errorf("invalid time offset type")
	}
	if e.EventType, ok = arr[1].(string); !ok {
		return fmt.Errorf("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return fmt.Errorf("invalid event data type")
	}
	return nil
}

// Recorder appends the events of one terminal session to a cast.
type Recorder struct {
	w         io.Writer
	file      *os.File
	startTime time.Time
	mu        sync.Mutex
}

// CastPath names the cast file for a session recorded in dir.
func CastPath(dir, host, session string, start time.Time) string {
	name := fmt.Sprintf("%s-%s-%d.cast", host, strings.ReplaceAll(session, "/", "_"), start.Unix())
	return filepath.Join(dir, name)
}

// Create starts a cast at path and writes its header.
func Create(path, title string, cols, rows int) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create cast file: %w", err)
	}
	rec := &Recorder{w: f, file: f, startTime: time.Now()}
	if err := rec.writeHeader(title, cols, rows); err != nil {
		f.Close()
		return nil, err
	}
	return rec, nil
}

// NewRecorder writes a cast to w. Tests use it with a buffer.
func NewRecorder(w io.Writer, title string, cols, rows int) (*Recorder, error) {
	rec := &Recorder{w: w, startTime: time.Now()}
	if err := rec.writeHeader(title, cols, rows); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) writeHeader(title string, cols, rows int) error {
	h := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color", "SHELL": os.Getenv("SHELL")},
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteOutput records terminal output.
func (r *Recorder) WriteOutput(data []byte) error { return r.writeEvent(EventOutput, string(data)) }

// WriteInput records keystrokes.
func (r *Recorder) WriteInput(data []byte) error { return r.writeEvent(EventInput, string(data)) }

// WriteResize records a window size change.
func (r *Recorder) WriteResize(cols, rows int) error {
	return r.writeEvent(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) writeEvent(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventData, err := json.Marshal(Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		EventType:  eventType,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.w.Write(append(eventData, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the cast file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadCast parses a cast written by a Recorder.
func ReadCast(rd io.Reader) (Header, []Event, error) {
	var h Header
	var events []Event
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	if !sc.Scan() {
		return h, nil, fmt.Errorf("empty cast")
	}
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return h, nil, fmt.Errorf("invalid cast header: %w", err)
	}
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return h, events, fmt.Errorf("invalid cast event: %w", err)
		}
		events = append(events, e)
	}
	return h, events, sc.Err()
}
