package message

import "testing"

func TestCanTransition_ForwardMovesAllowed(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusPending, StatusDelivered, true},
		{StatusStreaming, StatusDelivered, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_BackwardMovesRejected(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusSent, StatusPending},
		{StatusDelivered, StatusSent},
		{StatusDelivered, StatusPending},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", c.from, c.to)
		}
	}
}

func TestCanTransition_ErrorIsTerminal(t *testing.T) {
	if !CanTransition(StatusPending, StatusError) {
		t.Error("expected any status to be able to transition into error")
	}
	if !CanTransition(StatusDelivered, StatusError) {
		t.Error("expected delivered to be able to transition into error")
	}
	for _, to := range []Status{StatusPending, StatusSent, StatusDelivered, StatusStreaming} {
		if CanTransition(StatusError, to) {
			t.Errorf("CanTransition(error, %s) = true, want false: error must be terminal", to)
		}
	}
}

func TestCanTransition_UnknownStatusRejected(t *testing.T) {
	if CanTransition("bogus", StatusSent) {
		t.Error("expected unknown from-status to be rejected")
	}
	if CanTransition(StatusPending, "bogus") {
		t.Error("expected unknown to-status to be rejected")
	}
}

func TestNewStream_StartsAtSeqOneWithEmptyBuffers(t *testing.T) {
	s := NewStream("abc", 1000)
	if s.NextExpectedSeq != 1 {
		t.Errorf("NextExpectedSeq = %d, want 1", s.NextExpectedSeq)
	}
	if len(s.PendingDeltas) != 0 {
		t.Errorf("expected empty PendingDeltas, got %v", s.PendingDeltas)
	}
	if s.MessageEmitted || s.Synthetic {
		t.Error("expected a freshly created stream to not be emitted or synthetic")
	}
}

func TestStreamMessageID_PrefixesRawID(t *testing.T) {
	if got, want := StreamMessageID("xyz"), "msg_xyz"; got != want {
		t.Errorf("StreamMessageID(%q) = %q, want %q", "xyz", got, want)
	}
}
