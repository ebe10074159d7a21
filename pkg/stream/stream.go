package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/errs"
	"github.com/weni/webchat-core/pkg/message"
	"github.com/weni/webchat-core/pkg/timer"
)

// Config configures the Streaming Message Processor (spec §6).
type Config struct {
	EnableTypingIndicator    bool
	TypingTimeout            time.Duration
	TypingDelay              time.Duration
	MessageDelay             time.Duration
	StartTypingOnMessageSent bool
}

// Update is the {text, status, timestamp} observation emitted against an
// already-allocated message id as a stream's text grows (spec §4.5.2).
type Update struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Status    message.Status `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// Processor is the Streaming Message Processor (spec §4.5): it classifies
// inbound frames, assembles streamed replies with sequence-ordered gap
// buffering, suppresses duplicate non-streamed messages via the dedup
// window, and arbitrates typing/thinking indicators. Grounded on the
// teacher's ActionStream incremental/throttled assembly
// (pkg/agent/visibility.go), generalized from tool-call output chunks to
// the webchat wire protocol's delta frames.
type Processor struct {
	cfg    Config
	bus    *bus.Bus
	timers *timer.Group

	mu             sync.Mutex
	active         *message.Stream
	dedup          *message.DedupWindow
	typingActive   bool
	thinkingActive bool

	deliveryQueue []message.Message
	delivering    bool
}

// New constructs a Processor against bus b.
func New(cfg Config, b *bus.Bus) *Processor {
	return &Processor{
		cfg:    cfg,
		bus:    b,
		timers: timer.NewGroup(),
		dedup:  message.NewDedupWindow(),
	}
}

// HandleFrame classifies raw and dispatches it to the matching handler
// (spec §4.5.1). Unknown frames produce a single "unknown message"
// observation.
func (p *Processor) HandleFrame(raw []byte) {
	switch Classify(raw) {
	case KindMessage:
		p.handleMessage(raw)
	case KindStreamStart:
		p.handleStreamStart(raw)
	case KindDelta:
		p.handleDelta(raw)
	case KindStreamEnd:
		p.handleStreamEnd(raw)
	case KindTypingStart:
		p.handleTypingStart(raw)
	default:
		p.bus.Emit(bus.EventMessageUnknown, json.RawMessage(raw))
	}
}

// inboundMessage is the concrete shape a classified "message" frame decodes
// into, once classification has already resolved the polymorphism (spec §9:
// "all downstream code consumes the variant, not the raw JSON").
type inboundMessage struct {
	Message struct {
		Type        string               `json:"type"`
		Text        string               `json:"text,omitempty"`
		MessageID   string               `json:"messageId,omitempty"`
		Media       *message.Media       `json:"media,omitempty"`
		Interactive *message.Interactive `json:"interactive,omitempty"`
	} `json:"message"`
	ID       string            `json:"id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *Processor) handleMessage(raw []byte) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		p.bus.Emit(bus.EventError, errs.NewProtocolError("message", err.Error()))
		return
	}

	id := in.Message.MessageID
	if id == "" {
		id = in.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	msgType := message.TypeText
	if in.Message.Type != "" {
		msgType = message.Type(in.Message.Type)
	}

	msg := message.Message{
		ID:          id,
		Type:        msgType,
		Text:        in.Message.Text,
		Media:       in.Message.Media,
		Interactive: in.Message.Interactive,
		Timestamp:   message.NowMillis(),
		Direction:   message.DirectionIncoming,
		Status:      message.StatusDelivered,
		Metadata:    in.Metadata,
	}

	p.mu.Lock()
	// An empty text isn't a meaningful dedup key: a media/interactive
	// message with no caption would otherwise be suppressed by an
	// unrelated earlier empty-text message frame.
	if msg.Text != "" {
		if p.dedup.Contains(msg.Text) {
			p.mu.Unlock()
			return
		}
		p.dedup.Add(msg.Text)
	}
	p.stopIndicatorsLocked()
	p.mu.Unlock()

	p.enqueueDelivery(msg)
}

func (p *Processor) handleStreamStart(raw []byte) {
	parsed := gjson.ParseBytes(raw)
	id := parsed.Get("id").String()
	if id == "" {
		id = parsed.Get("message.messageId").String()
	}
	if id == "" {
		p.bus.Emit(bus.EventError, errs.NewProtocolError("stream_start", "missing id"))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = message.NewStream(message.StreamMessageID(id), message.NowMillis())
}

func (p *Processor) handleDelta(raw []byte) {
	parsed := gjson.ParseBytes(raw)
	seqResult := parsed.Get("seq")
	seq, ok := validSeq(seqResult)
	if !ok {
		return
	}
	v := parsed.Get("v").String()
	rawID := parsed.Get("id").String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil {
		if rawID == "" {
			rawID = uuid.NewString()
		}
		st := message.NewStream(message.StreamMessageID(rawID), message.NowMillis())
		st.Synthetic = true
		st.MessageEmitted = true
		p.active = st
		p.emitProcessedLocked(st.ID, "", st.Timestamp)
	}

	p.applyDeltaLocked(seq, v)
}

// validSeq reports whether r is an integer-valued JSON number ≥ 1, per the
// strict delta validity rule in spec §4.5.2.
func validSeq(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Float()
	if f != float64(int(f)) {
		return 0, false
	}
	n := int(f)
	if n < 1 {
		return 0, false
	}
	return n, true
}

func (p *Processor) applyDeltaLocked(seq int, v string) {
	st := p.active
	if seq < st.NextExpectedSeq {
		return // duplicate, never retroactively mutates text
	}
	if seq > st.NextExpectedSeq {
		st.PendingDeltas[seq] = v
		return
	}

	if st.NextExpectedSeq == 1 && !st.MessageEmitted {
		p.stopIndicatorsLocked()
		p.emitProcessedLocked(st.ID, "", st.Timestamp)
		st.MessageEmitted = true
	}

	st.Text += v
	st.NextExpectedSeq++
	p.emitUpdateLocked(st.ID, st.Text)

	for {
		next, buffered := st.PendingDeltas[st.NextExpectedSeq]
		if !buffered {
			return
		}
		delete(st.PendingDeltas, st.NextExpectedSeq)
		st.Text += next
		st.NextExpectedSeq++
		p.emitUpdateLocked(st.ID, st.Text)
	}
}

func (p *Processor) handleStreamEnd(raw []byte) {
	parsed := gjson.ParseBytes(raw)
	id := parsed.Get("id").String()
	if id == "" {
		p.bus.Emit(bus.EventError, errs.NewProtocolError("stream_end", "missing id"))
		return
	}

	prefixed := message.StreamMessageID(id)

	p.mu.Lock()
	defer p.mu.Unlock()

	var finalText string
	if p.active != nil && p.active.ID == prefixed {
		finalText = p.active.Text
	}
	p.active = nil

	p.bus.Emit(bus.EventMessageUpdated, Update{
		ID:        prefixed,
		Text:      finalText,
		Status:    message.StatusDelivered,
		Timestamp: message.NowMillis(),
	})
	p.stopIndicatorsLocked()
	if finalText != "" {
		p.dedup.Add(finalText)
	}
}

func (p *Processor) handleTypingStart(raw []byte) {
	if !p.cfg.EnableTypingIndicator {
		return
	}
	parsed := gjson.ParseBytes(raw)
	from := parsed.Get("from").String()
	thinking := from == "ai-assistant"

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil && p.active.NextExpectedSeq > 1 {
		return
	}

	if thinking {
		p.thinkingActive = true
	} else {
		p.typingActive = true
	}
	p.timers.Arm("indicatorTimeout", p.cfg.TypingTimeout, func() {
		p.mu.Lock()
		p.stopIndicatorsLocked()
		p.mu.Unlock()
	})

	if thinking {
		p.bus.Emit(bus.EventThinkingStart, nil)
	} else {
		p.bus.Emit(bus.EventTypingStart, nil)
	}
}

// OnMessageSent schedules a deferred outbound-triggered typing indicator
// per spec §4.5.4's startTypingOnMessageSent option.
func (p *Processor) OnMessageSent() {
	if !p.cfg.StartTypingOnMessageSent {
		return
	}
	p.timers.Arm("outboundTyping", p.cfg.TypingDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.typingActive || p.thinkingActive {
			return
		}
		p.typingActive = true
		p.bus.Emit(bus.EventTypingStart, nil)
	})
}

func (p *Processor) stopIndicatorsLocked() {
	p.timers.Cancel("indicatorTimeout")
	if p.typingActive {
		p.typingActive = false
		p.bus.Emit(bus.EventTypingStop, nil)
	}
	if p.thinkingActive {
		p.thinkingActive = false
		p.bus.Emit(bus.EventThinkingStop, nil)
	}
}

func (p *Processor) emitProcessedLocked(id, text string, timestamp int64) {
	p.bus.Emit(bus.EventMessageProcessed, message.Message{
		ID:        id,
		Type:      message.TypeText,
		Text:      text,
		Timestamp: timestamp,
		Direction: message.DirectionIncoming,
		Status:    message.StatusStreaming,
	})
}

func (p *Processor) emitUpdateLocked(id, text string) {
	p.bus.Emit(bus.EventMessageUpdated, Update{
		ID:        id,
		Text:      text,
		Status:    message.StatusStreaming,
		Timestamp: message.NowMillis(),
	})
}

// enqueueDelivery appends msg to the serialized delivery queue and starts
// the drain pump if it is idle (spec §4.5.3: "forwarded to a serialized
// delivery queue spaced by messageDelay so that bursts render smoothly").
func (p *Processor) enqueueDelivery(msg message.Message) {
	p.mu.Lock()
	p.deliveryQueue = append(p.deliveryQueue, msg)
	idle := !p.delivering
	if idle {
		p.delivering = true
	}
	p.mu.Unlock()

	if idle {
		p.drainDelivery()
	}
}

func (p *Processor) drainDelivery() {
	p.mu.Lock()
	if len(p.deliveryQueue) == 0 {
		p.delivering = false
		p.mu.Unlock()
		return
	}
	next := p.deliveryQueue[0]
	p.deliveryQueue = p.deliveryQueue[1:]
	p.mu.Unlock()

	p.bus.Emit(bus.EventMessageProcessed, next)

	if p.cfg.MessageDelay <= 0 {
		p.drainDelivery()
		return
	}
	p.timers.Arm("delivery", p.cfg.MessageDelay, p.drainDelivery)
}

// Destroy cancels every timer owned by the processor, making it inert.
func (p *Processor) Destroy() {
	p.timers.CancelAll()
}

// Snapshot returns diagnostic state: whether a stream is active, its
// accumulated text, and the indicator flags. Intended for tests and the
// State Aggregator's Snapshot, not for production decision logic.
type Snapshot struct {
	StreamActive   bool
	StreamText     string
	TypingActive   bool
	ThinkingActive bool
}

func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{TypingActive: p.typingActive, ThinkingActive: p.thinkingActive}
	if p.active != nil {
		s.StreamActive = true
		s.StreamText = p.active.Text
	}
	return s
}
