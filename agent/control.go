package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Control plane signals, exchanged as JSON lines over the shared process's stdio.
// The shared process writes to stdout and reads stdin; logs go to stderr.
const (
	// SignalIpcReady is sent once the agent accepts connections. Addr carries its address.
	SignalIpcReady = "ipc-ready"
	// SignalInitDone is sent once every service has been created.
	SignalInitDone = "init-done"

	SignalExit = "exit"
	SignalShow = "show"
	SignalHide = "hide"
)

type ControlMessage struct {
	Signal string `json:"signal"`
	Addr   string `json:"addr,omitempty"`
}

// ControlWriter writes control messages. It is safe for concurrent use.
type ControlWriter struct {
	m   sync.Mutex
	enc *json.Encoder
}

func NewControlWriter(w io.Writer) *ControlWriter {
	return &ControlWriter{enc: json.NewEncoder(w)}
}

func (w *ControlWriter) Send(msg ControlMessage) error {
	w.m.Lock()
	defer w.m.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("writing %s signal: %w", msg.Signal, err)
	}
	return nil
}

// ReadControl calls fn for each control message read from r until r is exhausted.
// Lines that are not control messages are passed to other, which may be nil.
func ReadControl(r io.Reader, fn func(ControlMessage), other func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg ControlMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Signal == "" {
			if other != nil {
				other(string(line))
			}
			continue
		}
		fn(msg)
	}
	return scanner.Err()
}
