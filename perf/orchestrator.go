package perf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Opener opens an outbound benchmark substream on an established
// connection. The returned stream has already negotiated ProtocolID.
type Opener interface {
	OpenSubstream(ctx context.Context, conn ConnID) (Stream, error)
}

// InitiatePolicy decides on which connections the local side starts an
// initiator run.
type InitiatePolicy uint8

const (
	InitiateNone InitiatePolicy = iota
	InitiateOutbound
	InitiateInbound
	InitiateBoth
)

func ParseInitiatePolicy(s string) (InitiatePolicy, error) {
	switch s {
	case "none", "":
		return InitiateNone, nil
	case "outbound":
		return InitiateOutbound, nil
	case "inbound":
		return InitiateInbound, nil
	case "both":
		return InitiateBoth, nil
	}
	return 0, fmt.Errorf("unknown initiate policy %q", s)
}

func (p InitiatePolicy) String() string {
	switch p {
	case InitiateNone:
		return "none"
	case InitiateOutbound:
		return "outbound"
	case InitiateInbound:
		return "inbound"
	case InitiateBoth:
		return "both"
	}
	return fmt.Sprintf("InitiatePolicy(%d)", uint8(p))
}

func (p InitiatePolicy) initiates(outbound bool) bool {
	switch p {
	case InitiateBoth:
		return true
	case InitiateOutbound:
		return outbound
	case InitiateInbound:
		return !outbound
	}
	return false
}

type Options struct {
	Target   Target
	Initiate InitiatePolicy
	Logger   logrus.FieldLogger
	// Backlog sizes the event and result channels.
	Backlog int

	clock func() time.Time
}

type eventKind uint8

const (
	evEstablished eventKind = iota
	evClosed
	evInbound
	evOpened
	evOpenFailed
	evReady
	evDeadline
)

// event is the single tagged input of the orchestrator loop.
type event struct {
	kind     eventKind
	conn     ConnID
	peer     PeerID
	outbound bool
	role     Role
	run      uint64
	stream   Stream
	err      error
}

type activeRun struct {
	id    uint64
	run   *Run
	timer *time.Timer
}

type connRecord struct {
	id         ConnID
	peer       PeerID
	runs       [2]*activeRun
	opening    bool
	cancelOpen context.CancelFunc
}

// Orchestrator maps connections to benchmark runs. All state is owned by
// the goroutine executing Run; the exported methods only post events.
type Orchestrator struct {
	opts   Options
	opener Opener
	log    logrus.FieldLogger

	events  chan event
	results chan Result
	quit    chan struct{}

	ctx     context.Context
	conns   map[ConnID]*connRecord
	nextRun uint64
}

func NewOrchestrator(opener Opener, opts Options) *Orchestrator {
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	if opts.Target.ChunkSize <= 0 {
		opts.Target.ChunkSize = DefaultChunkSize
	}
	if opts.Target.Mode == ModeDuration && opts.Target.Duration <= 0 {
		opts.Target.Duration = DefaultDuration
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
	return &Orchestrator{
		opts:    opts,
		opener:  opener,
		log:     opts.Logger,
		events:  make(chan event, opts.Backlog),
		results: make(chan Result, opts.Backlog),
		quit:    make(chan struct{}),
		conns:   make(map[ConnID]*connRecord),
	}
}

// Results is closed when Run returns.
func (o *Orchestrator) Results() <-chan Result {
	return o.results
}

func (o *Orchestrator) ConnectionEstablished(id ConnID, peer PeerID, outbound bool) {
	o.post(event{kind: evEstablished, conn: id, peer: peer, outbound: outbound})
}

func (o *Orchestrator) ConnectionClosed(id ConnID) {
	o.post(event{kind: evClosed, conn: id})
}

// InboundSubstream hands over a negotiated substream opened by the peer.
func (o *Orchestrator) InboundSubstream(id ConnID, s Stream) {
	select {
	case o.events <- event{kind: evInbound, conn: id, stream: s}:
	case <-o.quit:
		resetStream(s)
	}
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.quit:
	}
}

// Run is the event loop. It returns when ctx is done, after resetting every
// substream still owned by a run.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer o.shutdown()
	for {
		select {
		case ev := <-o.events:
			o.handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) handle(ev event) {
	switch ev.kind {
	case evEstablished:
		o.onEstablished(ev)
	case evClosed:
		o.onClosed(ev)
	case evInbound:
		o.onInbound(ev)
	case evOpened:
		o.onOpened(ev)
	case evOpenFailed:
		o.onOpenFailed(ev)
	case evReady:
		if ar, rec := o.lookup(ev); ar != nil {
			o.settle(rec, ar, ar.run.Resume)
		}
	case evDeadline:
		if ar, rec := o.lookup(ev); ar != nil {
			o.settle(rec, ar, ar.run.Stop)
		}
	default:
		panic(fmt.Sprintf("perf: unhandled event kind %d", ev.kind))
	}
}

func (o *Orchestrator) onEstablished(ev event) {
	if _, ok := o.conns[ev.conn]; ok {
		o.log.WithField("conn", ev.conn).Warn("connection already registered")
		return
	}
	rec := &connRecord{id: ev.conn, peer: ev.peer}
	o.conns[ev.conn] = rec
	o.log.WithFields(logrus.Fields{"conn": ev.conn, "peer": ev.peer, "outbound": ev.outbound}).Debug("connection established")

	if o.opts.Initiate.initiates(ev.outbound) {
		o.requestSubstream(rec)
	}
}

func (o *Orchestrator) requestSubstream(rec *connRecord) {
	ctx, cancel := context.WithCancel(o.ctx)
	rec.opening = true
	rec.cancelOpen = cancel
	id := rec.id
	go func() {
		s, err := o.opener.OpenSubstream(ctx, id)
		if err != nil {
			o.post(event{kind: evOpenFailed, conn: id, err: err})
			return
		}
		select {
		case o.events <- event{kind: evOpened, conn: id, stream: s}:
		case <-o.quit:
			resetStream(s)
		}
	}()
}

func (o *Orchestrator) onOpened(ev event) {
	rec, ok := o.conns[ev.conn]
	if !ok || !rec.opening {
		resetStream(ev.stream)
		return
	}
	rec.opening = false
	rec.cancelOpen()
	o.startRun(rec, Initiator, ev.stream)
}

func (o *Orchestrator) onOpenFailed(ev event) {
	rec, ok := o.conns[ev.conn]
	if !ok || !rec.opening {
		return
	}
	rec.opening = false
	rec.cancelOpen()
	err := ev.err
	if !errors.Is(err, ErrNegotiationFailed) && !errors.Is(err, ErrConnectionLost) {
		err = ioError("open substream", err)
	}
	o.log.WithFields(logrus.Fields{"conn": rec.id, "peer": rec.peer}).WithError(err).Warn("benchmark substream unavailable")
	o.emit(Result{Conn: rec.id, Peer: rec.peer, Role: Initiator, Outcome: Failed(err)})
}

func (o *Orchestrator) onInbound(ev event) {
	rec, ok := o.conns[ev.conn]
	if !ok {
		o.log.WithField("conn", ev.conn).Warn("inbound substream on unknown connection")
		resetStream(ev.stream)
		return
	}
	if rec.runs[Responder] != nil {
		o.log.WithField("conn", ev.conn).Warn("responder run already active, refusing substream")
		resetStream(ev.stream)
		return
	}
	o.startRun(rec, Responder, ev.stream)
}

func (o *Orchestrator) onClosed(ev event) {
	rec, ok := o.conns[ev.conn]
	if !ok {
		return
	}
	delete(o.conns, ev.conn)
	// a pending open has no run yet, so it ends without a result
	if rec.opening {
		rec.opening = false
		rec.cancelOpen()
	}
	for _, ar := range rec.runs {
		if ar == nil {
			continue
		}
		o.settle(rec, ar, func() (Outcome, bool) { return ar.run.Abort(ErrConnectionLost) })
	}
	o.log.WithField("conn", ev.conn).Debug("connection closed")
}

func (o *Orchestrator) startRun(rec *connRecord, role Role, s Stream) {
	o.nextRun++
	ar := &activeRun{id: o.nextRun}
	conn, runID := rec.id, ar.id
	ps := newPollStream(s, o.opts.Target.ChunkSize, func() {
		o.post(event{kind: evReady, conn: conn, role: role, run: runID})
	})
	ar.run = newRun(role, ps, o.opts.Target, o.opts.clock)
	rec.runs[role] = ar

	o.log.WithFields(logrus.Fields{"conn": conn, "peer": rec.peer, "role": role, "target": o.opts.Target}).Info("benchmark run started")

	if o.settle(rec, ar, ar.run.Start) {
		return
	}
	if role == Initiator && o.opts.Target.Mode == ModeDuration {
		ar.timer = time.AfterFunc(o.opts.Target.Duration, func() {
			o.post(event{kind: evDeadline, conn: conn, role: role, run: runID})
		})
	}
}

func (o *Orchestrator) lookup(ev event) (*activeRun, *connRecord) {
	rec, ok := o.conns[ev.conn]
	if !ok {
		return nil, nil
	}
	ar := rec.runs[ev.role]
	if ar == nil || ar.id != ev.run {
		return nil, nil
	}
	return ar, rec
}

// settle advances a run and, when it reaches a terminal state, publishes
// its outcome and drops it.
func (o *Orchestrator) settle(rec *connRecord, ar *activeRun, step func() (Outcome, bool)) bool {
	outcome, done := step()
	if !done {
		return false
	}
	if ar.timer != nil {
		ar.timer.Stop()
	}
	role := ar.run.Role()
	if rec.runs[role] == ar {
		rec.runs[role] = nil
	}
	entry := o.log.WithFields(logrus.Fields{"conn": rec.id, "peer": rec.peer, "role": role})
	if outcome.Err != nil {
		entry.WithError(outcome.Err).Warn("benchmark run failed")
	} else {
		entry.WithFields(logrus.Fields{"bytes": outcome.Bytes, "duration": outcome.Duration}).Info("benchmark run completed")
	}
	o.emit(Result{Conn: rec.id, Peer: rec.peer, Role: role, Outcome: outcome})
	return true
}

func (o *Orchestrator) emit(r Result) {
	select {
	case o.results <- r:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) shutdown() {
	close(o.quit)
	for id, rec := range o.conns {
		if rec.cancelOpen != nil {
			rec.cancelOpen()
		}
		for _, ar := range rec.runs {
			if ar == nil {
				continue
			}
			if ar.timer != nil {
				ar.timer.Stop()
			}
			ar.run.Abort(ErrConnectionLost)
		}
		delete(o.conns, id)
	}
	close(o.results)
}
