package stream

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"typed message", `{"type":"message","message":{"type":"text","text":"hi"}}`, KindMessage},
		{"typed stream_start", `{"type":"stream_start","id":"A"}`, KindStreamStart},
		{"typed stream_end", `{"type":"stream_end","id":"A"}`, KindStreamEnd},
		{"typed typing_start", `{"type":"typing_start","from":"ai-assistant"}`, KindTypingStart},
		{"typed unrecognized", `{"type":"something_else"}`, KindUnknown},
		{"delta by v+seq", `{"v":"Hi","seq":1}`, KindDelta},
		{"delta with id", `{"v":"Hi","seq":1,"id":"X"}`, KindDelta},
		{"v without numeric seq is not a delta", `{"v":"Hi","seq":"one"}`, KindUnknown},
		{"v without seq at all", `{"v":"Hi"}`, KindUnknown},
		{"message.type fallback", `{"message":{"type":"text","text":"hi"}}`, KindMessage},
		{"empty object", `{}`, KindUnknown},
		{"seq without v is not a delta", `{"seq":1}`, KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify([]byte(c.raw)); got != c.want {
				t.Errorf("Classify(%s) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}
