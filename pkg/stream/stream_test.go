package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/weni/webchat-core/pkg/bus"
	"github.com/weni/webchat-core/pkg/message"
)

func newProcessor(cfg Config) (*Processor, *bus.Bus) {
	b := bus.New()
	return New(cfg, b), b
}

// recorder is written from whichever goroutine Emit happens to run on
// (timers fire their callbacks off the main goroutine), so every accessor
// is mutex-guarded.
type recorder struct {
	mu        sync.Mutex
	processed []message.Message
	updates   []Update
	typing    []bool // true = start, false = stop
	thinking  []bool
}

func (r *recorder) processedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processed)
}

func (r *recorder) processedAt(i int) message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[i]
}

func attachRecorder(b *bus.Bus) *recorder {
	r := &recorder{}
	b.Subscribe(bus.EventMessageProcessed, func(p interface{}) {
		if m, ok := p.(message.Message); ok {
			r.mu.Lock()
			r.processed = append(r.processed, m)
			r.mu.Unlock()
		}
	})
	b.Subscribe(bus.EventMessageUpdated, func(p interface{}) {
		if u, ok := p.(Update); ok {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		}
	})
	b.Subscribe(bus.EventTypingStart, func(interface{}) {
		r.mu.Lock()
		r.typing = append(r.typing, true)
		r.mu.Unlock()
	})
	b.Subscribe(bus.EventTypingStop, func(interface{}) {
		r.mu.Lock()
		r.typing = append(r.typing, false)
		r.mu.Unlock()
	})
	b.Subscribe(bus.EventThinkingStart, func(interface{}) {
		r.mu.Lock()
		r.thinking = append(r.thinking, true)
		r.mu.Unlock()
	})
	b.Subscribe(bus.EventThinkingStop, func(interface{}) {
		r.mu.Lock()
		r.thinking = append(r.thinking, false)
		r.mu.Unlock()
	})
	return r
}

func TestScenario_StreamedReplyInOrder(t *testing.T) {
	p, b := newProcessor(Config{})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"stream_start","id":"A"}`))
	p.HandleFrame([]byte(`{"v":"Hi","seq":1}`))
	p.HandleFrame([]byte(`{"v":" ","seq":2}`))
	p.HandleFrame([]byte(`{"v":"there","seq":3}`))
	p.HandleFrame([]byte(`{"type":"stream_end","id":"A"}`))

	if len(r.processed) != 1 {
		t.Fatalf("expected exactly one processed-message emission, got %d: %+v", len(r.processed), r.processed)
	}
	if r.processed[0].ID != "msg_A" || r.processed[0].Text != "" {
		t.Fatalf("unexpected initial processed message: %+v", r.processed[0])
	}

	wantTexts := []string{"Hi", "Hi ", "Hi there", "Hi there"}
	if len(r.updates) != len(wantTexts) {
		t.Fatalf("got %d updates, want %d: %+v", len(r.updates), len(wantTexts), r.updates)
	}
	for i, want := range wantTexts {
		if r.updates[i].Text != want {
			t.Errorf("update[%d].Text = %q, want %q", i, r.updates[i].Text, want)
		}
	}
	last := r.updates[len(r.updates)-1]
	if last.Status != message.StatusDelivered {
		t.Errorf("final update status = %v, want delivered", last.Status)
	}
}

func TestScenario_OutOfOrderDeltasBufferThenDrain(t *testing.T) {
	p, b := newProcessor(Config{})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"stream_start","id":"B"}`))
	p.HandleFrame([]byte(`{"v":"!","seq":3}`)) // buffered, out of order
	if len(r.updates) != 0 {
		t.Fatalf("expected no update from a gapped delta, got %+v", r.updates)
	}
	p.HandleFrame([]byte(`{"v":"Hi","seq":1}`))
	p.HandleFrame([]byte(`{"v":" ","seq":2}`)) // should drain the buffered seq 3
	p.HandleFrame([]byte(`{"type":"stream_end","id":"B"}`))

	final := r.updates[len(r.updates)-1]
	if final.Text != "Hi !" {
		t.Fatalf("final assembled text = %q, want %q", final.Text, "Hi !")
	}
}

func TestScenario_SyntheticStreamWithNoStreamStart(t *testing.T) {
	p, b := newProcessor(Config{})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"v":"Hi","seq":1,"id":"X"}`))

	if len(r.processed) != 1 {
		t.Fatalf("expected exactly one deferred processed emission for a synthetic stream, got %d", len(r.processed))
	}
	if r.processed[0].Text != "" {
		t.Fatalf("expected the deferred processed message to start empty, got %q", r.processed[0].Text)
	}
	if len(r.updates) != 1 || r.updates[0].Text != "Hi" {
		t.Fatalf("expected a single update with text \"Hi\", got %+v", r.updates)
	}

	snap := p.Snapshot()
	if !snap.StreamActive || snap.StreamText != "Hi" {
		t.Fatalf("Snapshot = %+v, want an active synthetic stream with text \"Hi\"", snap)
	}
}

func TestHandleDelta_InvalidSeqIsIgnored(t *testing.T) {
	cases := []string{
		`{"v":"x","seq":0}`,
		`{"v":"x","seq":-1}`,
		`{"v":"x","seq":1.5}`,
		`{"v":"x","seq":"one"}`,
	}
	for _, raw := range cases {
		p, _ := newProcessor(Config{})
		p.HandleFrame([]byte(raw))
		if snap := p.Snapshot(); snap.StreamActive {
			t.Errorf("frame %s unexpectedly created an active stream: %+v", raw, snap)
		}
	}
}

func TestHandleMessage_DuplicateTextSuppressedByDedupWindow(t *testing.T) {
	p, b := newProcessor(Config{MessageDelay: 0})
	r := attachRecorder(b)

	frame := []byte(`{"type":"message","message":{"type":"text","text":"hello","messageId":"m1"}}`)
	p.HandleFrame(frame)
	p.HandleFrame(frame)

	if len(r.processed) != 1 {
		t.Fatalf("expected duplicate message text to be suppressed, got %d processed: %+v", len(r.processed), r.processed)
	}
}

func TestHandleMessage_EmptyTextNeverSuppressesAMediaMessage(t *testing.T) {
	p, b := newProcessor(Config{MessageDelay: 0})
	r := attachRecorder(b)

	// An empty-text frame (e.g. a bare stream_end with no assembled text)
	// must not poison the dedup window against a later caption-less media
	// message.
	p.HandleFrame([]byte(`{"type":"message","message":{"type":"text","text":"","messageId":"m1"}}`))
	p.HandleFrame([]byte(`{"type":"message","message":{"type":"image","text":"","messageId":"m2","media":{"url":"https://x/y.png"}}}`))

	if len(r.processed) != 2 {
		t.Fatalf("expected both empty-text messages to be delivered, got %d: %+v", len(r.processed), r.processed)
	}
}

func TestHandleMessage_DistinctMessagesAreBothDelivered(t *testing.T) {
	p, b := newProcessor(Config{MessageDelay: time.Millisecond})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"message","message":{"type":"text","text":"first","messageId":"m1"}}`))
	p.HandleFrame([]byte(`{"type":"message","message":{"type":"text","text":"second","messageId":"m2"}}`))

	if got := r.processedLen(); got != 1 {
		t.Fatalf("expected only the first message delivered synchronously, got %d", got)
	}

	deadline := time.After(500 * time.Millisecond)
	for r.processedLen() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the queued second message, got %d processed", r.processedLen())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := r.processedAt(1); got.Text != "second" {
		t.Fatalf("second processed message text = %q, want %q", got.Text, "second")
	}
}

func TestHandleTypingStart_DistinguishesThinkingFromTyping(t *testing.T) {
	p, b := newProcessor(Config{EnableTypingIndicator: true, TypingTimeout: time.Second})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"typing_start","from":"ai-assistant"}`))
	if len(r.thinking) != 1 || !r.thinking[0] {
		t.Fatalf("expected a thinking:start event for from=ai-assistant, got thinking=%v typing=%v", r.thinking, r.typing)
	}
	if len(r.typing) != 0 {
		t.Fatalf("expected no typing events for an ai-assistant sender, got %v", r.typing)
	}
}

func TestHandleTypingStart_NonAssistantSenderProducesTyping(t *testing.T) {
	p, b := newProcessor(Config{EnableTypingIndicator: true, TypingTimeout: time.Second})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"typing_start","from":"human-agent"}`))
	if len(r.typing) != 1 || !r.typing[0] {
		t.Fatalf("expected a typing:start event, got typing=%v thinking=%v", r.typing, r.thinking)
	}
}

func TestHandleTypingStart_DisabledByConfig(t *testing.T) {
	p, b := newProcessor(Config{EnableTypingIndicator: false})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"typing_start","from":"ai-assistant"}`))
	if len(r.thinking) != 0 || len(r.typing) != 0 {
		t.Fatal("expected no indicator events when EnableTypingIndicator is false")
	}
}

func TestHandleTypingStart_SuppressedAfterActiveStreamDelta(t *testing.T) {
	p, b := newProcessor(Config{EnableTypingIndicator: true, TypingTimeout: time.Second})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"stream_start","id":"A"}`))
	p.HandleFrame([]byte(`{"v":"Hi","seq":1}`))
	p.HandleFrame([]byte(`{"type":"typing_start","from":"human-agent"}`))

	if len(r.typing) != 0 || len(r.thinking) != 0 {
		t.Fatalf("expected indicator to be suppressed once a stream has advanced past seq 1, got typing=%v thinking=%v", r.typing, r.thinking)
	}
}

func TestHandleTypingStart_AllowedBeforeAnyDelta(t *testing.T) {
	p, b := newProcessor(Config{EnableTypingIndicator: true, TypingTimeout: time.Second})
	r := attachRecorder(b)

	p.HandleFrame([]byte(`{"type":"stream_start","id":"A"}`))
	p.HandleFrame([]byte(`{"type":"typing_start","from":"human-agent"}`))

	if len(r.typing) != 1 {
		t.Fatalf("expected an indicator before any delta has arrived, got %v", r.typing)
	}
}

func TestHandleFrame_UnknownFrameEmitsUnknownEvent(t *testing.T) {
	p, b := newProcessor(Config{})
	var got interface{}
	b.Subscribe(bus.EventMessageUnknown, func(p interface{}) { got = p })

	p.HandleFrame([]byte(`{"nonsense":true}`))
	if got == nil {
		t.Fatal("expected an unknown-message event for an unclassifiable frame")
	}
}

func TestOnMessageSent_StartsTypingAfterDelayWhenConfigured(t *testing.T) {
	p, b := newProcessor(Config{StartTypingOnMessageSent: true, TypingDelay: 10 * time.Millisecond})
	r := attachRecorder(b)

	p.OnMessageSent()
	r.mu.Lock()
	immediate := len(r.typing)
	r.mu.Unlock()
	if immediate != 0 {
		t.Fatal("expected no immediate typing indicator")
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		r.mu.Lock()
		n := len(r.typing)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a deferred typing:start after TypingDelay")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOnMessageSent_NoopWhenNotConfigured(t *testing.T) {
	p, b := newProcessor(Config{StartTypingOnMessageSent: false})
	r := attachRecorder(b)
	p.OnMessageSent()
	time.Sleep(20 * time.Millisecond)
	if len(r.typing) != 0 {
		t.Fatal("expected OnMessageSent to be a no-op when disabled")
	}
}
