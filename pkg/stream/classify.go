// Package stream implements the Streaming Message Processor (spec §4.5):
// frame classification, incremental streaming assembly with sequence-
// ordered gap buffering, duplicate suppression, and typing/thinking
// indicator arbitration. Classification is grounded on SPEC_FULL.md's
// domain-stack note: the inbound protocol's frame shape is genuinely
// polymorphic ({type,...} / {message:{type,...}} / {v,seq}), so gjson
// probes field presence ahead of a structured decode rather than
// type-switching over map[string]interface{}.
package stream

import "github.com/tidwall/gjson"

// Kind is the classified frame variant spec §4.5.1 defines.
type Kind string

const (
	KindMessage     Kind = "message"
	KindStreamStart Kind = "stream_start"
	KindDelta       Kind = "delta"
	KindStreamEnd   Kind = "stream_end"
	KindTypingStart Kind = "typing_start"
	KindUnknown     Kind = "unknown"
)

// Classify determines the frame's Kind per spec §4.5.1: explicit `type`
// field when present; else a `v` field alongside a numeric `seq` field
// with no `type` is a delta; else an inner `message.type` makes it a
// message; else unknown.
func Classify(raw []byte) Kind {
	parsed := gjson.ParseBytes(raw)

	if t := parsed.Get("type"); t.Exists() {
		switch t.String() {
		case "message":
			return KindMessage
		case "stream_start":
			return KindStreamStart
		case "stream_end":
			return KindStreamEnd
		case "typing_start":
			return KindTypingStart
		default:
			return KindUnknown
		}
	}

	v := parsed.Get("v")
	seq := parsed.Get("seq")
	if v.Exists() && seq.Exists() && seq.Type == gjson.Number {
		return KindDelta
	}

	if parsed.Get("message.type").Exists() {
		return KindMessage
	}
	return KindUnknown
}
