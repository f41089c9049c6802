package perf

import (
	"io"
	"sync"
)

// Stream is an ordered, reliable, half-closable byte stream, typically a
// multiplexed substream handed over by the transport layer.
type Stream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// Substream is the non-blocking capability a Run drives. TryRead and
// TryWrite return ErrWouldBlock instead of waiting; the owner of the
// substream is told through a readiness notification when to try again.
// TryRead returns io.EOF once the peer has half-closed and all data was
// consumed.
type Substream interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

type resetter interface {
	Reset() error
}

// resetStream tears a stream down, preferring an abortive reset.
func resetStream(s interface{ Close() error }) {
	if r, ok := s.(resetter); ok {
		_ = r.Reset()
		return
	}
	_ = s.Close()
}

type writeOp uint8

const (
	opWrite writeOp = iota
	opCloseWrite
	opClose
)

// pollStream turns a blocking Stream into a Substream. One goroutine keeps a
// read buffer filled, another drains at most one pending write; both call
// notify whenever the stream may have become readable or writable again.
type pollStream struct {
	s      Stream
	notify func()

	mu sync.Mutex
	// read side, filled by readLoop
	rbuf []byte
	rpos int
	rerr error
	// write side, drained by writeLoop
	wbuf    []byte
	wlen    int
	wbusy   bool
	werr    error
	wclosed bool
	closed  bool

	fetch chan struct{}
	ops   chan writeOp
	done  chan struct{}
}

func newPollStream(s Stream, chunkSize int, notify func()) *pollStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	p := &pollStream{
		s:      s,
		notify: notify,
		wbuf:   make([]byte, chunkSize),
		fetch:  make(chan struct{}, 1),
		// at most one queued op of each kind
		ops:  make(chan writeOp, 3),
		done: make(chan struct{}),
	}
	go p.readLoop(make([]byte, chunkSize))
	go p.writeLoop()
	return p
}

func (p *pollStream) readLoop(buf []byte) {
	for {
		n, err := p.s.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		p.mu.Lock()
		p.rbuf = buf[:n]
		p.rpos = 0
		p.rerr = err
		p.mu.Unlock()
		p.notify()
		if err != nil {
			return
		}
		select {
		case <-p.fetch:
		case <-p.done:
			return
		}
	}
}

func (p *pollStream) writeLoop() {
	for op := range p.ops {
		switch op {
		case opWrite:
			p.mu.Lock()
			chunk := p.wbuf[:p.wlen]
			p.mu.Unlock()
			_, err := p.s.Write(chunk)
			p.mu.Lock()
			p.wbusy = false
			if err != nil && p.werr == nil {
				p.werr = err
			}
			p.mu.Unlock()
			p.notify()
		case opCloseWrite:
			if err := p.s.CloseWrite(); err != nil {
				p.mu.Lock()
				if p.werr == nil {
					p.werr = err
				}
				p.mu.Unlock()
				p.notify()
			}
		case opClose:
			_ = p.s.Close()
			return
		}
	}
}

func (p *pollStream) TryRead(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrStreamClosed
	}
	if p.rpos < len(p.rbuf) {
		n := copy(b, p.rbuf[p.rpos:])
		p.rpos += n
		if p.rpos == len(p.rbuf) && p.rerr == nil {
			select {
			case p.fetch <- struct{}{}:
			default:
			}
		}
		return n, nil
	}
	if p.rerr != nil {
		return 0, p.rerr
	}
	if p.werr != nil {
		return 0, p.werr
	}
	return 0, ErrWouldBlock
}

func (p *pollStream) TryWrite(b []byte) (int, error) {
	p.mu.Lock()
	switch {
	case p.closed || p.wclosed:
		p.mu.Unlock()
		return 0, ErrStreamClosed
	case p.werr != nil:
		err := p.werr
		p.mu.Unlock()
		return 0, err
	case p.wbusy:
		p.mu.Unlock()
		return 0, ErrWouldBlock
	case len(b) == 0:
		p.mu.Unlock()
		return 0, nil
	}
	n := copy(p.wbuf, b)
	p.wlen = n
	p.wbusy = true
	p.mu.Unlock()
	p.ops <- opWrite
	return n, nil
}

// CloseWrite queues a half-close behind any accepted write.
func (p *pollStream) CloseWrite() error {
	p.mu.Lock()
	if p.closed || p.wclosed {
		p.mu.Unlock()
		return nil
	}
	p.wclosed = true
	err := p.werr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.ops <- opCloseWrite
	return nil
}

// Close queues a full close behind any accepted write.
func (p *pollStream) Close() error {
	if !p.markClosed() {
		return nil
	}
	p.ops <- opClose
	return nil
}

// Reset aborts the stream immediately, discarding pending writes.
func (p *pollStream) Reset() error {
	if !p.markClosed() {
		return nil
	}
	resetStream(p.s)
	p.ops <- opClose
	return nil
}

func (p *pollStream) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}
