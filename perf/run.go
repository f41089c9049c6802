package perf

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Run drives one benchmark exchange over one substream. It is a poll based
// state machine: Start and Resume make as much progress as the substream
// allows and return once it would block. The caller resumes it after the
// next readiness notification. A Run is not safe for concurrent use.
type Run struct {
	role   Role
	state  State
	sub    Substream
	target Target
	now    func() time.Time

	startedAt     time.Time
	firstByteAt   time.Time
	bytesSent     uint64
	bytesReceived uint64

	payload []byte
	stop    bool
	receipt receiptReader
	echo    *receiptWriter
	outcome Outcome
}

func NewRun(role Role, sub Substream, target Target) *Run {
	return newRun(role, sub, target, time.Now)
}

func newRun(role Role, sub Substream, target Target, now func() time.Time) *Run {
	if target.ChunkSize <= 0 {
		target.ChunkSize = DefaultChunkSize
	}
	if now == nil {
		now = time.Now
	}
	return &Run{
		role:    role,
		state:   StateIdle,
		sub:     sub,
		target:  target,
		now:     now,
		payload: make([]byte, target.ChunkSize),
	}
}

func (r *Run) Role() Role            { return r.role }
func (r *Run) State() State          { return r.state }
func (r *Run) BytesSent() uint64     { return r.bytesSent }
func (r *Run) BytesReceived() uint64 { return r.bytesReceived }
func (r *Run) StartedAt() time.Time  { return r.startedAt }

// Outcome returns the terminal outcome, if the run has reached one.
func (r *Run) Outcome() (Outcome, bool) {
	return r.outcome, r.state.Terminal()
}

// Start moves the run from Idle to Streaming and records the start time.
// done is true when the run already reached a terminal state.
func (r *Run) Start() (outcome Outcome, done bool) {
	if r.state != StateIdle {
		return r.Resume()
	}
	r.startedAt = r.now()
	r.state = StateStreaming
	return r.Resume()
}

// Stop signals that the initiator's target duration elapsed.
func (r *Run) Stop() (outcome Outcome, done bool) {
	r.stop = true
	return r.Resume()
}

// Resume retries the current phase after a readiness notification.
// Spurious calls are harmless.
func (r *Run) Resume() (outcome Outcome, done bool) {
	if r.state.Terminal() {
		return r.outcome, false
	}
	if r.state == StateIdle {
		return Outcome{}, false
	}
	if r.role == Initiator {
		return r.resumeInitiator()
	}
	return r.resumeResponder()
}

// Abort terminates a non-terminal run with err. It reports done only the
// first time, so an outcome is produced at most once.
func (r *Run) Abort(err error) (outcome Outcome, done bool) {
	if r.state.Terminal() {
		return r.outcome, false
	}
	return r.fail(err), true
}

func (r *Run) resumeInitiator() (Outcome, bool) {
	for {
		switch r.state {
		case StateStreaming:
			if r.stopReached() {
				r.state = StateClosing
				continue
			}
			n, err := r.sub.TryWrite(r.nextChunk())
			r.bytesSent += uint64(n)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrWouldBlock) {
				return Outcome{}, false
			}
			return r.fail(ioError("write", err)), true

		case StateClosing:
			if err := r.sub.CloseWrite(); err != nil {
				return r.fail(ioError("close write", err)), true
			}
			r.state = StateAwaitingReceipt

		case StateAwaitingReceipt:
			n, err := r.sub.TryRead(r.receipt.space())
			r.receipt.advance(n)
			if r.receipt.full() {
				return r.finishInitiator()
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrWouldBlock):
				return Outcome{}, false
			case errors.Is(err, io.EOF):
				return r.fail(r.receipt.eof()), true
			default:
				return r.fail(ioError("read receipt", err)), true
			}

		default:
			return r.outcome, false
		}
	}
}

func (r *Run) stopReached() bool {
	if r.target.Mode == ModeBytes {
		return r.bytesSent >= r.target.Bytes
	}
	return r.stop
}

func (r *Run) nextChunk() []byte {
	if r.target.Mode == ModeBytes {
		if remaining := r.target.Bytes - r.bytesSent; remaining < uint64(len(r.payload)) {
			return r.payload[:remaining]
		}
	}
	return r.payload
}

func (r *Run) finishInitiator() (Outcome, bool) {
	count, err := r.receipt.value()
	if err != nil {
		return r.fail(err), true
	}
	if count > r.bytesSent {
		return r.fail(fmt.Errorf("%w: receipt counts %d bytes, only %d sent", ErrProtocolViolation, count, r.bytesSent)), true
	}
	// only bytes already buffered behind the receipt are caught here
	var extra [1]byte
	if n, _ := r.sub.TryRead(extra[:]); n > 0 {
		return r.fail(fmt.Errorf("%w: unexpected data after receipt", ErrProtocolViolation)), true
	}
	d := r.now().Sub(r.startedAt)
	_ = r.sub.Close()
	r.state = StateDone
	r.outcome = Completed(d, count)
	return r.outcome, true
}

func (r *Run) resumeResponder() (Outcome, bool) {
	for {
		switch r.state {
		case StateStreaming:
			n, err := r.sub.TryRead(r.payload)
			if n > 0 {
				if r.firstByteAt.IsZero() {
					r.firstByteAt = r.now()
				}
				r.bytesReceived += uint64(n)
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrWouldBlock):
				return Outcome{}, false
			case errors.Is(err, io.EOF):
				r.echo = newReceiptWriter(r.bytesReceived)
				r.state = StateEchoing
			default:
				return r.fail(ioError("read", err)), true
			}

		case StateEchoing:
			n, err := r.sub.TryWrite(r.echo.pending())
			r.echo.advance(n)
			if r.echo.done() {
				return r.finishResponder()
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrWouldBlock):
				return Outcome{}, false
			default:
				return r.fail(ioError("write receipt", err)), true
			}

		default:
			return r.outcome, false
		}
	}
}

func (r *Run) finishResponder() (Outcome, bool) {
	from := r.firstByteAt
	if from.IsZero() {
		from = r.startedAt
	}
	d := r.now().Sub(from)
	_ = r.sub.Close()
	r.state = StateDone
	r.outcome = Completed(d, r.bytesReceived)
	return r.outcome, true
}

func (r *Run) fail(err error) Outcome {
	r.state = StateAborted
	r.outcome = Failed(err)
	if r.sub != nil {
		resetStream(r.sub)
	}
	return r.outcome
}

func ioError(op string, err error) error {
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}
