package perf

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolID is the substream protocol negotiated for a benchmark run.
const ProtocolID = "/perf/0.1.0"

const (
	DefaultDuration  = 10 * time.Second
	DefaultChunkSize = 64 * 1024
	MaxChunkSize     = 1024 * 1024
)

type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

type State uint8

const (
	StateIdle State = iota
	StateStreaming
	StateClosing
	StateAwaitingReceipt
	StateEchoing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateAwaitingReceipt:
		return "awaiting-receipt"
	case StateEchoing:
		return "echoing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Mode selects the initiator's stop condition.
type Mode uint8

const (
	ModeDuration Mode = iota
	ModeBytes
)

func (m Mode) String() string {
	switch m {
	case ModeDuration:
		return "duration"
	case ModeBytes:
		return "bytes"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "duration":
		return ModeDuration, nil
	case "bytes":
		return ModeBytes, nil
	}
	return 0, fmt.Errorf("unknown mode %q, expected duration or bytes", s)
}

// Target is the initiator's stop condition and write granularity.
type Target struct {
	Mode      Mode
	Duration  time.Duration
	Bytes     uint64
	ChunkSize int
}

func DefaultTarget() Target {
	return Target{
		Mode:      ModeDuration,
		Duration:  DefaultDuration,
		ChunkSize: DefaultChunkSize,
	}
}

func (t Target) Validate() error {
	switch t.Mode {
	case ModeDuration:
		if t.Duration <= 0 {
			return errors.New("duration mode requires a positive duration")
		}
	case ModeBytes:
	default:
		return fmt.Errorf("unknown mode %d", t.Mode)
	}
	if t.ChunkSize <= 0 || t.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range (1..%d)", t.ChunkSize, MaxChunkSize)
	}
	return nil
}

func (t Target) String() string {
	if t.Mode == ModeBytes {
		return fmt.Sprintf("%d bytes", t.Bytes)
	}
	return t.Duration.String()
}

// Outcome is the immutable result of one run. A nil Err means the run
// completed.
type Outcome struct {
	Duration time.Duration
	Bytes    uint64
	Err      error
}

func Completed(d time.Duration, bytes uint64) Outcome {
	return Outcome{Duration: d, Bytes: bytes}
}

func Failed(err error) Outcome {
	return Outcome{Err: err}
}

func (o Outcome) Completed() bool {
	return o.Err == nil
}

// BitsPerSecond is the measured throughput, zero for failed or empty runs.
func (o Outcome) BitsPerSecond() float64 {
	if o.Err != nil || o.Duration <= 0 {
		return 0
	}
	return float64(o.Bytes) * 8 / o.Duration.Seconds()
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("failed: %v", o.Err)
	}
	return fmt.Sprintf("completed: %d bytes in %s", o.Bytes, o.Duration)
}

type (
	ConnID string
	PeerID string
)

// Result is the externally visible event for one finished run, or for a
// connection whose benchmark substream could not be opened.
type Result struct {
	Conn    ConnID
	Peer    PeerID
	Role    Role
	Outcome Outcome
}

// Short abbreviates a peer id for log output.
func (p PeerID) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}
