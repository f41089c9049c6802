package perf

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSubstream is a scripted Substream. Writes are accepted in slices of at
// most writeLimit bytes and every other call would block, which exercises
// the partial write paths.
type fakeSubstream struct {
	writeLimit int
	blocked    bool
	written    []byte
	writeErr   error

	readData  []byte
	readLimit int
	readEOF   bool
	readErr   error

	halfClosed bool
	closed     bool
	reset      bool
}

func (f *fakeSubstream) TryWrite(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.halfClosed || f.closed {
		return 0, ErrStreamClosed
	}
	if f.blocked {
		f.blocked = false
		return 0, ErrWouldBlock
	}
	f.blocked = true
	n := len(p)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakeSubstream) TryRead(p []byte) (int, error) {
	if len(f.readData) > 0 {
		n := len(p)
		if f.readLimit > 0 && n > f.readLimit {
			n = f.readLimit
		}
		n = copy(p[:n], f.readData)
		f.readData = f.readData[n:]
		return n, nil
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	if f.readEOF {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

func (f *fakeSubstream) CloseWrite() error { f.halfClosed = true; return nil }
func (f *fakeSubstream) Close() error      { f.closed = true; return nil }
func (f *fakeSubstream) Reset() error      { f.reset = true; return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// drive resumes the run until it is done, answering the initiator's
// half-close with a receipt for everything written.
func drive(t *testing.T, r *Run, sub *fakeSubstream) Outcome {
	t.Helper()
	outcome, done := r.Start()
	for i := 0; !done; i++ {
		require.Less(t, i, 1_000_000, "run did not finish")
		if r.Role() == Initiator && sub.halfClosed && !sub.readEOF {
			receipt := EncodeReceipt(uint64(len(sub.written)))
			sub.readData = receipt[:]
			sub.readEOF = true
		}
		outcome, done = r.Resume()
	}
	return outcome
}

func TestInitiatorByteTargetWithPartialWrites(t *testing.T) {
	sub := &fakeSubstream{writeLimit: 1000}
	target := Target{Mode: ModeBytes, Bytes: 100_000, ChunkSize: 4096}
	r := NewRun(Initiator, sub, target)

	outcome := drive(t, r, sub)

	require.NoError(t, outcome.Err)
	require.EqualValues(t, 100_000, outcome.Bytes)
	require.Len(t, sub.written, 100_000)
	require.EqualValues(t, 100_000, r.BytesSent())
	require.True(t, sub.halfClosed, "write side must be shut down")
	require.True(t, sub.closed, "substream must be closed on completion")
	require.Equal(t, StateDone, r.State())
}

func TestInitiatorZeroBytes(t *testing.T) {
	sub := &fakeSubstream{}
	r := NewRun(Initiator, sub, Target{Mode: ModeBytes, Bytes: 0, ChunkSize: 1024})

	outcome := drive(t, r, sub)

	require.NoError(t, outcome.Err)
	require.Zero(t, outcome.Bytes)
	require.Empty(t, sub.written)
}

func TestInitiatorDurationMeasuredFromStart(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sub := &fakeSubstream{}
	r := newRun(Initiator, sub, Target{Mode: ModeDuration, Duration: 2 * time.Second, ChunkSize: 512}, clock.now)

	_, done := r.Start()
	require.False(t, done)
	for i := 0; i < 10; i++ {
		_, done = r.Resume()
		require.False(t, done)
	}
	require.Equal(t, StateStreaming, r.State())
	require.False(t, sub.halfClosed)

	clock.advance(2 * time.Second)
	_, done = r.Stop()
	require.False(t, done)
	require.True(t, sub.halfClosed)
	require.Equal(t, StateAwaitingReceipt, r.State())

	clock.advance(50 * time.Millisecond)
	receipt := EncodeReceipt(uint64(len(sub.written)))
	sub.readData = receipt[:]
	sub.readLimit = 3
	sub.readEOF = true

	var outcome Outcome
	for !done {
		outcome, done = r.Resume()
	}
	require.NoError(t, outcome.Err)
	require.Equal(t, 2050*time.Millisecond, outcome.Duration)
	require.EqualValues(t, len(sub.written), outcome.Bytes)
}

func TestInitiatorTruncatedReceipt(t *testing.T) {
	sub := &fakeSubstream{}
	r := NewRun(Initiator, sub, Target{Mode: ModeBytes, Bytes: 10, ChunkSize: 16})

	_, done := r.Start()
	for !sub.halfClosed {
		require.False(t, done)
		_, done = r.Resume()
	}
	sub.readData = []byte{0, 0, 0}
	sub.readEOF = true

	outcome, done := r.Resume()
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrProtocolViolation)
	require.Equal(t, StateAborted, r.State())
	require.True(t, sub.reset)
}

func TestInitiatorReceiptExceedsSent(t *testing.T) {
	sub := &fakeSubstream{}
	r := NewRun(Initiator, sub, Target{Mode: ModeBytes, Bytes: 10, ChunkSize: 16})

	_, done := r.Start()
	for !sub.halfClosed {
		_, done = r.Resume()
	}
	require.False(t, done)
	receipt := EncodeReceipt(11)
	sub.readData = receipt[:]

	outcome, done := r.Resume()
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrProtocolViolation)
}

func TestInitiatorWriteError(t *testing.T) {
	sub := &fakeSubstream{writeErr: errors.New("broken pipe")}
	r := NewRun(Initiator, sub, DefaultTarget())

	outcome, done := r.Start()
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrIO)
	require.True(t, sub.reset)

	_, done = r.Resume()
	require.False(t, done, "a terminal run must not report again")
}

func TestResponderCountsAndEchoes(t *testing.T) {
	payload := make([]byte, 70_000)
	sub := &fakeSubstream{readData: payload, readLimit: 3000, readEOF: true, writeLimit: 3}
	r := NewRun(Responder, sub, Target{ChunkSize: 8192})

	outcome := drive(t, r, sub)

	require.NoError(t, outcome.Err)
	require.EqualValues(t, 70_000, outcome.Bytes)
	require.EqualValues(t, 70_000, r.BytesReceived())
	require.Len(t, sub.written, ReceiptSize)
	require.EqualValues(t, 70_000, binary.BigEndian.Uint64(sub.written))
	require.True(t, sub.closed)
}

func TestResponderZeroBytes(t *testing.T) {
	sub := &fakeSubstream{readEOF: true}
	r := NewRun(Responder, sub, Target{ChunkSize: 8192})

	outcome := drive(t, r, sub)

	require.NoError(t, outcome.Err)
	require.Zero(t, outcome.Bytes)
	require.Equal(t, EncodeReceipt(0), [ReceiptSize]byte(sub.written))
}

func TestResponderReadError(t *testing.T) {
	sub := &fakeSubstream{readData: []byte("abc"), readErr: errors.New("stream reset")}
	r := NewRun(Responder, sub, Target{ChunkSize: 8192})

	outcome, done := r.Start()
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrIO)
	require.EqualValues(t, 3, r.BytesReceived())
}

func TestAbortReportsOnce(t *testing.T) {
	sub := &fakeSubstream{}
	r := NewRun(Initiator, sub, DefaultTarget())
	_, done := r.Start()
	require.False(t, done)

	outcome, done := r.Abort(ErrConnectionLost)
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrConnectionLost)
	require.True(t, sub.reset)

	_, done = r.Abort(ErrConnectionLost)
	require.False(t, done)
}

func TestInitiatorDataAfterReceipt(t *testing.T) {
	sub := &fakeSubstream{}
	r := NewRun(Initiator, sub, Target{Mode: ModeBytes, Bytes: 10, ChunkSize: 16})

	_, done := r.Start()
	for !sub.halfClosed {
		require.False(t, done)
		_, done = r.Resume()
	}
	receipt := EncodeReceipt(10)
	sub.readData = append(receipt[:], 0xff)

	outcome, done := r.Resume()
	require.True(t, done)
	require.ErrorIs(t, outcome.Err, ErrProtocolViolation)
	require.Equal(t, StateAborted, r.State())
	require.True(t, sub.reset)
}
