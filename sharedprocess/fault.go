package sharedprocess

import (
	"fmt"
	"strconv"
)

type FaultKind int

const (
	// FaultUnresponsive means the shared process stopped answering heartbeats.
	FaultUnresponsive FaultKind = iota + 1
	// FaultCrashed means the shared process went away after it was ready.
	FaultCrashed
	// FaultLoadFailed means the shared process went away before it was ready.
	FaultLoadFailed
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnresponsive:
		return "unresponsive"
	case FaultCrashed:
		return "crashed"
	case FaultLoadFailed:
		return "loadFailed"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

type FaultDetails struct {
	Reason   string
	ExitCode *int
}

// Fault is a health event of the shared process. Faults are reported, never acted upon:
// the shared process is not restarted.
type Fault struct {
	Kind    FaultKind
	Details *FaultDetails
}

func (f Fault) Error() string {
	switch f.Kind {
	case FaultUnresponsive:
		return "SharedProcess: detected unresponsive window"
	case FaultCrashed:
		return fmt.Sprintf("SharedProcess: crashed (detail: %s, code: %s)", f.reason(), f.code())
	case FaultLoadFailed:
		return fmt.Sprintf("SharedProcess: failed to load (detail: %s, code: %s)", f.reason(), f.code())
	}
	return "SharedProcess: " + f.Kind.String()
}

func (f Fault) reason() string {
	if f.Details == nil || f.Details.Reason == "" {
		return "<unknown>"
	}
	return f.Details.Reason
}

func (f Fault) code() string {
	if f.Details == nil || f.Details.ExitCode == nil {
		return "<unknown>"
	}
	return strconv.Itoa(*f.Details.ExitCode)
}
