// Package node implements the intercom channel engine: half-duplex
// push-to-talk arbitration between the transmit path, the receive path and
// the control surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mveit/intercom/pkg/audio"
	"github.com/mveit/intercom/pkg/protocol"
	"github.com/mveit/intercom/pkg/settings"
)

// ChannelState is the node's half-duplex channel state. Transmitting and
// Receiving are mutually exclusive.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateTransmitting
	StateReceiving
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransmitting:
		return "transmitting"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// StateChange describes one channel state transition. For transitions
// involving reception, Sender and Priority identify the remote stream; for
// transmit transitions they carry the local id and configured priority.
type StateChange struct {
	From     ChannelState
	To       ChannelState
	Sender   protocol.DeviceID
	Priority protocol.Priority
}

// Stats is a snapshot of the engine's reception and transmission counters.
type Stats struct {
	PacketsSeen    uint64
	Accepted       uint64
	OwnRejected    uint64 // multicast loopback of our own stream
	DroppedWhileTx uint64 // half-duplex: no reception while transmitting
	DNDSuppressed  uint64
	OtherSender    uint64 // second talker during an active stream
	OutOfOrder     uint64 // duplicates and late reordered packets
	SilenceGated   uint64 // tiny payloads refused channel acquisition
	FECRecovered   uint64
	PLCConcealed   uint64
	Resyncs        uint64
	FramesSent     uint64
	LastSequence   uint32
	PerSender      map[protocol.DeviceID]uint64
}

// Capturer supplies microphone frames.
type Capturer interface {
	ReadFrame(dst []int16) int
}

// Renderer consumes playback frames and exposes the volume controls the
// engine drives.
type Renderer interface {
	WriteFrame(frame []int16) int
	SetVolume(volume int)
	SetMute(muted bool)
	ForceMaxVolume()
	RestoreVolume()
}

// Sender transmits packets to the network.
type Sender interface {
	SendMulticast(pkt *protocol.Packet)
	SendUnicast(pkt *protocol.Packet, ip string)
}

// Rejoiner refreshes multicast group membership.
type Rejoiner interface {
	Rejoin() error
}

const (
	// leadInFrames of encoded silence (300ms) open every transmit session
	// so receiver jitter buffers prime before voice arrives.
	leadInFrames = 15

	// trailOutFrames of encoded silence (200ms) follow release, flushing
	// the last voice frames out of receiver buffers.
	trailOutFrames = 10

	// idleTimeout ends a reception after this long without a frame. There
	// is no end-of-stream marker on the wire; this is the only mechanism.
	idleTimeout = 500 * time.Millisecond

	housekeepTick  = 100 * time.Millisecond
	rejoinInterval = 60 * time.Second

	// maxPLCGap is the largest sequence gap concealed frame-by-frame;
	// beyond it the decoder resyncs on the arriving frame.
	maxPLCGap = 4

	// silencePayloadMin gates channel acquisition: a payload this small is
	// an encoded silence frame (lead-in or trail-out), and a stream of
	// them alone must not flip an idle receiver into Receiving.
	silencePayloadMin = 10

	toneAmplitude = 12000

	// maxToneDuration bounds a signalling tone.
	maxToneDuration = 2 * time.Second
)

type cmdKind int

const (
	cmdPressTalk cmdKind = iota
	cmdReleaseTalk
	cmdSetPriority
	cmdSetVolume
	cmdSetMute
	cmdSetDND
	cmdSetAGC
	cmdSetTarget
	cmdPlayTone
)

type command struct {
	kind cmdKind
	flag bool
	num  int
	pri  protocol.Priority
	str  string
	freq float64
	dur  time.Duration
}

// Config wires an Engine's collaborators.
type Config struct {
	ID       protocol.DeviceID
	Capture  Capturer
	Render   Renderer
	Sender   Sender
	Packets  <-chan *protocol.Packet
	Rejoiner Rejoiner // optional
	Store    *settings.Store

	// AEC may be nil: the transmit path then runs on raw capture.
	AEC *audio.AEC
}

// Engine owns the channel state machine and the three loops that drive it.
//
// Goroutine ownership: the encoder, AGC and AEC belong to the TX loop, the
// decoder and jitter ring to the RX loop. The control loop never touches
// them directly; session resets travel through resetPending and are
// consumed by the TX loop under the lock.
type Engine struct {
	id       protocol.DeviceID
	capture  Capturer
	render   Renderer
	sender   Sender
	packets  <-chan *protocol.Packet
	rejoiner Rejoiner
	store    *settings.Store

	aec *audio.AEC
	agc *audio.AGC
	enc *audio.Encoder
	dec *audio.Decoder

	cmds   chan command
	events chan StateChange

	evMu    sync.Mutex
	evCond  *sync.Cond
	evQueue []StateChange

	mu         sync.Mutex
	state      ChannelState
	seq        uint32
	txLeadIn   int
	txTrailOut int

	// resetPending asks the TX loop to reset the transmit chain at the
	// next frame; refFlushPending additionally discards the echo
	// reference (set after a locally rendered tone).
	resetPending    bool
	refFlushPending bool
	toneActive      bool

	rxSender    protocol.DeviceID
	rxPriority  protocol.Priority
	rxLastSeq   uint32
	rxLastFrame time.Time
	playing     bool // false while buffering
	jitter      *frameRing

	stats Stats
}

// New creates an engine. The codec is constructed here; device and
// transport collaborators come from the caller.
func New(cfg Config) (*Engine, error) {
	if cfg.ID.IsZero() {
		return nil, errors.New("node: zero device id")
	}
	if cfg.Capture == nil || cfg.Render == nil || cfg.Sender == nil ||
		cfg.Packets == nil || cfg.Store == nil {
		return nil, errors.New("node: incomplete config")
	}

	enc, err := audio.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	dec, err := audio.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	e := &Engine{
		id:       cfg.ID,
		capture:  cfg.Capture,
		render:   cfg.Render,
		sender:   cfg.Sender,
		packets:  cfg.Packets,
		rejoiner: cfg.Rejoiner,
		store:    cfg.Store,
		aec:      cfg.AEC,
		agc:      audio.NewAGC(),
		enc:      enc,
		dec:      dec,
		cmds:     make(chan command, 32),
		events:   make(chan StateChange, 16),
		jitter:   newFrameRing(),
	}
	e.evCond = sync.NewCond(&e.evMu)
	e.stats.PerSender = make(map[protocol.DeviceID]uint64)

	snap := cfg.Store.Snapshot()
	e.render.SetVolume(int(snap.Volume))
	e.render.SetMute(snap.Muted)

	// The forwarder lives for the engine's lifetime and guarantees every
	// transition reaches the observer, in order.
	go e.forwardEvents()
	return e, nil
}

// Run drives the engine until ctx is cancelled: the TX loop paced by
// capture, the RX loop fed by the transport channel, and the control loop
// for commands and housekeeping.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.txLoop(ctx) })
	g.Go(func() error { return e.rxLoop(ctx) })
	g.Go(func() error { return e.controlLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Events returns the state transition channel. Every transition is
// delivered, in order; a slow observer back-pressures the forwarder, never
// the audio loops.
func (e *Engine) Events() <-chan StateChange {
	return e.events
}

// State returns the current channel state.
func (e *Engine) State() ChannelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.PerSender = make(map[protocol.DeviceID]uint64, len(e.stats.PerSender))
	for k, v := range e.stats.PerSender {
		s.PerSender[k] = v
	}
	return s
}

// PressTalk requests the transition to Transmitting.
func (e *Engine) PressTalk() { e.enqueue(command{kind: cmdPressTalk}) }

// ReleaseTalk requests the transition back to Idle.
func (e *Engine) ReleaseTalk() { e.enqueue(command{kind: cmdReleaseTalk}) }

// SetPriority sets the transmit priority for subsequent sessions.
func (e *Engine) SetPriority(p protocol.Priority) {
	e.enqueue(command{kind: cmdSetPriority, pri: p.Clamp()})
}

// SetVolume sets playback volume (0-100).
func (e *Engine) SetVolume(v int) { e.enqueue(command{kind: cmdSetVolume, num: v}) }

// SetMute sets playback mute.
func (e *Engine) SetMute(muted bool) { e.enqueue(command{kind: cmdSetMute, flag: muted}) }

// SetDND sets do-not-disturb. Emergency streams still render.
func (e *Engine) SetDND(dnd bool) { e.enqueue(command{kind: cmdSetDND, flag: dnd}) }

// SetAGC enables or disables transmit gain control.
func (e *Engine) SetAGC(enabled bool) { e.enqueue(command{kind: cmdSetAGC, flag: enabled}) }

// SetTarget sets the unicast target IP; empty returns to multicast.
func (e *Engine) SetTarget(ip string) { e.enqueue(command{kind: cmdSetTarget, str: ip}) }

// PlayTone renders a local sine tone (signalling beep). Refused while
// transmitting, suppressed by DND; duration is bounded and the tone aborts
// if a talk press arrives mid-way.
func (e *Engine) PlayTone(freq float64, dur time.Duration) {
	e.enqueue(command{kind: cmdPlayTone, freq: freq, dur: dur})
}

func (e *Engine) enqueue(cmd command) {
	select {
	case e.cmds <- cmd:
	default:
		slog.Warn("command queue full, dropped", "kind", cmd.kind)
	}
}

// --- TX path ---

func (e *Engine) txLoop(ctx context.Context) error {
	frame := make([]int16, protocol.FrameSize)
	scratch := make([]int16, protocol.FrameSize)
	silence := make([]int16, protocol.FrameSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if n := e.capture.ReadFrame(frame); n == 0 {
			// Inactive device: keep the loop paced, not spinning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(protocol.FrameDuration * time.Millisecond):
			}
			continue
		}
		e.txFrame(frame, scratch, silence)
	}
}

// txFrame handles one captured frame according to the session phase:
// lead-in silence, voice, trail-out silence, or idle discard. Pipeline
// order for voice: gain normalize the raw capture, then echo-cancel, then
// encode.
func (e *Engine) txFrame(frame, scratch, silence []int16) {
	e.mu.Lock()
	transmitting := e.state == StateTransmitting
	reset, flushRef := false, false
	if transmitting && e.resetPending {
		e.resetPending = false
		reset = true
		flushRef = e.refFlushPending
		e.refFlushPending = false
	}
	leadIn := e.txLeadIn
	if transmitting && leadIn > 0 {
		e.txLeadIn--
	}
	trailOut := e.txTrailOut
	if !transmitting && trailOut > 0 {
		e.txTrailOut--
	}
	e.mu.Unlock()

	// Session resets run here, on the owning goroutine, so a press racing
	// a still-encoding trail-out frame can never reinitialize the codec
	// mid-encode.
	if reset {
		e.agc.Reset()
		if e.aec != nil {
			if flushRef {
				e.aec.FlushReference()
			} else {
				e.aec.Reset()
			}
		}
		if err := e.enc.Reset(); err != nil {
			slog.Warn("encoder reset failed", "err", err)
		}
	}

	snap := e.store.Snapshot()

	switch {
	case transmitting && leadIn > 0:
		// Gain and canceller track the raw capture from the first frame
		// so both are warm when voice starts; cleaned backlog is held to
		// about one chunk.
		if snap.AGCEnabled {
			e.agc.Process(frame)
		}
		if e.aec != nil {
			e.aec.PushMic(frame)
			for e.aec.Cleaned() > 2*protocol.FrameSize {
				e.aec.PopCleaned(scratch)
			}
		}
		e.sendFrame(silence, snap)

	case transmitting:
		if snap.AGCEnabled {
			e.agc.Process(frame)
		}
		out := frame
		if e.aec != nil {
			e.aec.PushMic(frame)
			if e.aec.Cleaned() >= protocol.FrameSize {
				e.aec.PopCleaned(scratch)
				out = scratch
			}
			// Starved bridge: fall through with the normalized raw
			// frame rather than punch a 20ms hole in the stream.
		}
		e.sendFrame(out, snap)

	case trailOut > 0:
		e.sendFrame(silence, snap)

	default:
		// Idle: captured audio is discarded.
	}
}

func (e *Engine) sendFrame(pcm []int16, snap settings.Settings) {
	payload, err := e.enc.Encode(pcm)
	if err != nil {
		slog.Debug("encode failed", "err", err)
		return
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.stats.FramesSent++
	e.mu.Unlock()

	pkt := &protocol.Packet{
		DeviceID: e.id,
		Sequence: seq,
		Priority: snap.TxPriority(),
		Payload:  payload,
	}
	if snap.Target != "" {
		e.sender.SendUnicast(pkt, snap.Target)
	} else {
		e.sender.SendMulticast(pkt)
	}
}

// --- RX path ---

func (e *Engine) rxLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-e.packets:
			if !ok {
				return errors.New("node: packet channel closed")
			}
			e.handlePacket(pkt, time.Now())
		}
	}
}

// handlePacket runs the acceptance filter and, for accepted packets, the
// decode / conceal / buffer chain. Frames due for playback are collected
// under the lock and rendered after it is released, so a blocking device
// write never extends the engine's critical section.
func (e *Engine) handlePacket(pkt *protocol.Packet, now time.Time) {
	snap := e.store.Snapshot()
	pri := pkt.Priority.Clamp()
	var toRender [][]int16

	e.mu.Lock()
	e.stats.PacketsSeen++

	switch {
	case pkt.DeviceID == e.id:
		e.stats.OwnRejected++
		e.mu.Unlock()
		return
	case e.state == StateTransmitting:
		e.stats.DroppedWhileTx++
		e.mu.Unlock()
		return
	case snap.DND && pri < protocol.PriorityEmergency:
		e.stats.DNDSuppressed++
		e.mu.Unlock()
		return
	}

	if e.state == StateIdle {
		// A bare silence stream (another node's lead-in or trail-out)
		// must not claim the channel.
		if len(pkt.Payload) < silencePayloadMin {
			e.stats.SilenceGated++
			e.mu.Unlock()
			return
		}
		e.startReceptionLocked(pkt, pri, now)
	} else if pkt.DeviceID != e.rxSender {
		// One stream at a time: the first talker holds the channel until
		// idle timeout.
		e.stats.OtherSender++
		e.mu.Unlock()
		return
	}

	e.stats.Accepted++
	e.stats.PerSender[pkt.DeviceID]++
	e.stats.LastSequence = pkt.Sequence

	gap := pkt.Sequence - e.rxLastSeq // wraps correctly on uint32
	switch {
	case gap == 0 || gap > math.MaxUint32/2:
		e.stats.OutOfOrder++
		e.mu.Unlock()
		return
	case gap == 1:
		// In order.
	case gap == 2:
		// One frame lost: its audio rides in this payload's in-band FEC.
		if pcm, err := e.dec.DecodeFEC(pkt.Payload); err == nil {
			e.stats.FECRecovered++
			e.enqueueFrameLocked(pcm, &toRender)
		}
	case gap <= maxPLCGap+1:
		for i := uint32(1); i < gap; i++ {
			pcm, err := e.dec.DecodePLC()
			if err != nil {
				break
			}
			e.stats.PLCConcealed++
			e.enqueueFrameLocked(pcm, &toRender)
		}
	default:
		e.stats.Resyncs++
		slog.Debug("sequence resync", "gap", gap, "sender", pkt.DeviceID)
	}
	e.rxLastSeq = pkt.Sequence
	e.rxLastFrame = now

	if len(pkt.Payload) > 0 {
		if pcm, err := e.dec.Decode(pkt.Payload); err == nil {
			e.enqueueFrameLocked(pcm, &toRender)
		} else {
			slog.Debug("decode failed", "seq", pkt.Sequence, "err", err)
		}
	}
	e.mu.Unlock()

	for _, f := range toRender {
		e.render.WriteFrame(f)
	}
}

func (e *Engine) startReceptionLocked(pkt *protocol.Packet, pri protocol.Priority, now time.Time) {
	if err := e.dec.Reset(); err != nil {
		slog.Warn("decoder reset failed", "err", err)
	}
	e.jitter.Reset()
	e.playing = false
	e.rxSender = pkt.DeviceID
	e.rxPriority = pri
	e.rxLastSeq = pkt.Sequence - 1
	e.rxLastFrame = now

	if pri == protocol.PriorityEmergency {
		e.render.ForceMaxVolume()
	}
	e.setStateLocked(StateReceiving, pkt.DeviceID, pri)
}

// enqueueFrameLocked buffers one decoded frame; frames that are due at the
// renderer are appended to out for the caller to write after unlocking.
func (e *Engine) enqueueFrameLocked(pcm []int16, out *[][]int16) {
	if !e.jitter.Push(pcm) {
		// Full ring: render the oldest first rather than overwrite it.
		if old, ok := e.jitter.Pop(); ok {
			*out = append(*out, old)
		}
		e.jitter.Push(pcm)
	}
	if !e.playing && e.jitter.Len() >= jitterPrime {
		e.playing = true
	}
	if e.playing {
		if frame, ok := e.jitter.Pop(); ok {
			*out = append(*out, frame)
		}
	}
}

// endReceptionLocked finishes a stream at idle timeout: the emergency
// override (if any) is undone and the channel returns to Idle. The
// remaining buffered tail is returned for the caller to render outside
// the lock.
func (e *Engine) endReceptionLocked(reason string) [][]int16 {
	var tail [][]int16
	for {
		frame, ok := e.jitter.Pop()
		if !ok {
			break
		}
		tail = append(tail, frame)
	}
	e.render.RestoreVolume()

	// Re-sync the renderer with settings changed mid-stream.
	snap := e.store.Snapshot()
	e.render.SetVolume(int(snap.Volume))
	e.render.SetMute(snap.Muted)

	e.jitter.Reset()
	e.playing = false
	sender := e.rxSender
	pri := e.rxPriority
	e.rxSender = protocol.DeviceID{}
	e.setStateLocked(StateIdle, sender, pri)
	slog.Info("reception ended", "reason", reason, "sender", sender, "priority", pri)
	return tail
}

// interruptReceptionLocked abandons a stream for PressTalk: buffered audio
// is discarded, no Idle transition is emitted (the caller transitions
// straight to Transmitting).
func (e *Engine) interruptReceptionLocked() {
	e.render.RestoreVolume()
	e.jitter.Reset()
	e.playing = false
	e.rxSender = protocol.DeviceID{}
}

// --- control ---

func (e *Engine) controlLoop(ctx context.Context) error {
	tick := time.NewTicker(housekeepTick)
	defer tick.Stop()
	rejoin := time.NewTicker(rejoinInterval)
	defer rejoin.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			e.apply(cmd)
		case now := <-tick.C:
			e.housekeep(now)
		case <-rejoin.C:
			if e.rejoiner != nil {
				if err := e.rejoiner.Rejoin(); err != nil {
					slog.Warn("group rejoin failed", "err", err)
				}
			}
		}
	}
}

func (e *Engine) housekeep(now time.Time) {
	var tail [][]int16
	e.mu.Lock()
	if e.state == StateReceiving && now.Sub(e.rxLastFrame) >= idleTimeout {
		tail = e.endReceptionLocked("idle timeout")
	}
	e.mu.Unlock()

	for _, f := range tail {
		e.render.WriteFrame(f)
	}
}

func (e *Engine) apply(cmd command) {
	switch cmd.kind {
	case cmdPressTalk:
		e.pressTalk()
	case cmdReleaseTalk:
		e.releaseTalk()
	case cmdSetPriority:
		e.updateSettings(func(s *settings.Settings) { s.Priority = uint8(cmd.pri) })
	case cmdSetVolume:
		if e.updateSettings(func(s *settings.Settings) { s.Volume = clampVolume(cmd.num) }) {
			if !e.emergencyActive() {
				e.render.SetVolume(cmd.num)
			}
		}
	case cmdSetMute:
		if e.updateSettings(func(s *settings.Settings) { s.Muted = cmd.flag }) {
			if !e.emergencyActive() {
				e.render.SetMute(cmd.flag)
			}
		}
	case cmdSetDND:
		e.updateSettings(func(s *settings.Settings) { s.DND = cmd.flag })
	case cmdSetAGC:
		e.updateSettings(func(s *settings.Settings) { s.AGCEnabled = cmd.flag })
	case cmdSetTarget:
		e.updateSettings(func(s *settings.Settings) { s.Target = cmd.str })
	case cmdPlayTone:
		// Rendered off the control loop so commands, idle timeout and the
		// rejoin tick keep flowing during the tone.
		go e.playTone(cmd.freq, cmd.dur)
	}
}

func (e *Engine) updateSettings(fn func(*settings.Settings)) bool {
	if err := e.store.Update(fn); err != nil {
		slog.Warn("settings update rejected", "err", err)
		return false
	}
	return true
}

func (e *Engine) emergencyActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateReceiving && e.rxPriority == protocol.PriorityEmergency
}

func clampVolume(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

// pressTalk claims the channel: an in-progress reception is interrupted
// and the lead-in begins. The transmit-chain reset is flagged for the TX
// loop, which owns the codec.
func (e *Engine) pressTalk() {
	e.mu.Lock()
	if e.state == StateTransmitting {
		e.mu.Unlock()
		return
	}
	if e.state == StateReceiving {
		e.interruptReceptionLocked()
	}

	e.resetPending = true
	e.txLeadIn = leadInFrames
	e.txTrailOut = 0
	e.setStateLocked(StateTransmitting, e.id, e.store.Snapshot().TxPriority())
	e.mu.Unlock()

	e.drainPackets()
}

func (e *Engine) releaseTalk() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateTransmitting {
		return
	}
	e.txLeadIn = 0
	e.txTrailOut = trailOutFrames
	e.setStateLocked(StateIdle, e.id, e.store.Snapshot().TxPriority())
}

// drainPackets discards everything queued by the transport: packets that
// raced the press must not replay when the session ends.
func (e *Engine) drainPackets() {
	for {
		select {
		case <-e.packets:
		default:
			return
		}
	}
}

// playTone renders a bounded sine tone. It runs off the control loop;
// a press arriving mid-tone aborts it within one frame. The tone reaches
// the reference stream through the render path, so the reference is
// flagged for a flush, consumed by the TX loop at the next session start.
func (e *Engine) playTone(freq float64, dur time.Duration) {
	snap := e.store.Snapshot()
	if snap.DND {
		return
	}
	if dur > maxToneDuration {
		dur = maxToneDuration
	}

	e.mu.Lock()
	if e.state == StateTransmitting || e.toneActive {
		e.mu.Unlock()
		slog.Debug("tone refused", "state", e.state)
		return
	}
	e.toneActive = true
	e.mu.Unlock()

	frames := int(dur / (protocol.FrameDuration * time.Millisecond))
	if frames <= 0 {
		frames = 1
	}
	frame := make([]int16, protocol.FrameSize)
	phase := 0
	for i := 0; i < frames; i++ {
		if e.State() == StateTransmitting {
			break
		}
		for j := range frame {
			frame[j] = int16(toneAmplitude * math.Sin(2*math.Pi*freq*float64(phase)/protocol.SampleRate))
			phase++
		}
		e.render.WriteFrame(frame)
	}

	e.mu.Lock()
	e.toneActive = false
	if e.aec != nil {
		e.refFlushPending = true
	}
	e.mu.Unlock()
}

// setStateLocked transitions the channel state and hands exactly one event
// to the forwarder. Callers hold e.mu.
func (e *Engine) setStateLocked(to ChannelState, sender protocol.DeviceID, pri protocol.Priority) {
	if e.state == to {
		return
	}
	ev := StateChange{From: e.state, To: to, Sender: sender, Priority: pri}
	e.state = to

	e.evMu.Lock()
	e.evQueue = append(e.evQueue, ev)
	e.evMu.Unlock()
	e.evCond.Signal()

	slog.Info("channel state",
		"from", ev.From,
		"to", ev.To,
		"sender", sender,
		"priority", pri,
	)
}

// forwardEvents moves queued transitions onto the observer channel. The
// queue is unbounded so no transition is ever skipped; a slow observer
// stalls only this goroutine.
func (e *Engine) forwardEvents() {
	for {
		e.evMu.Lock()
		for len(e.evQueue) == 0 {
			e.evCond.Wait()
		}
		ev := e.evQueue[0]
		e.evQueue = e.evQueue[1:]
		e.evMu.Unlock()

		e.events <- ev
	}
}
