// Package message implements the data model shared by every webchat core
// component: Message, Stream and the status lattice that governs how a
// message may move between states (spec §3).
package message

import "time"

// Type enumerates the closed set of message payload kinds.
type Type string

const (
	TypeText             Type = "text"
	TypeImage            Type = "image"
	TypeVideo            Type = "video"
	TypeAudio            Type = "audio"
	TypeFile             Type = "file"
	TypeLocation         Type = "location"
	TypeInteractive      Type = "interactive"
	TypeOrder            Type = "order"
	TypeSetCustomField   Type = "set_custom_field"
)

// Direction distinguishes messages sent by the end-user from those received
// from the remote service.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is a node in the status lattice. Transitions are monotonic:
// pending -> sent -> delivered (outgoing), streaming -> delivered
// (incoming); error is terminal from any status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// statusRank orders the lattice so CanTransition can reject a backward move.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusStreaming: 0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusError:     3,
}

// CanTransition reports whether a status change from `from` to `to` is
// allowed by the lattice in §3. error is terminal: no outgoing transitions.
func CanTransition(from, to Status) bool {
	if from == StatusError {
		return false
	}
	if to == StatusError {
		return true
	}
	fromRank, fromOK := statusRank[from]
	toRank, toOK := statusRank[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// Media is a reference to a captured media asset. The encoding/capture
// pipeline itself is out of scope (spec §1); the core only carries the
// reference.
type Media struct {
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// QuickReply is a single tappable reply option on an interactive message.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
}

// Interactive carries the optional structured extensions a non-text message
// may include: header/footer text, a product list, a call-to-action, or a
// list picker (spec §3, §6).
type Interactive struct {
	Header      string       `json:"header,omitempty"`
	Footer      string       `json:"footer,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
	ProductList []string     `json:"product_list,omitempty"`
	CTA         *CTA         `json:"cta,omitempty"`
	List        *ListMessage `json:"list,omitempty"`
}

// CTA is a call-to-action button payload.
type CTA struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// ListMessage is a selectable list of sections shown to the user.
type ListMessage struct {
	Title    string        `json:"title"`
	Sections []ListSection `json:"sections"`
}

// ListSection groups rows under a single heading in a ListMessage.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListRow is one selectable entry in a ListSection.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Order carries the product_items payload of an outbound order message.
type Order struct {
	Timestamp    int64         `json:"timestamp"`
	ProductItems []ProductItem `json:"product_items"`
}

// ProductItem is a single line item of an Order.
type ProductItem struct {
	ProductRetailerID string `json:"product_retailer_id"`
	Quantity          int    `json:"quantity"`
}

// Message is the closed sum type described in spec §3. Per-type payloads
// (Media, Interactive, Order, CustomField) are optional and normalization
// into this shape happens once, at the Streaming Message Processor boundary
// (spec §9 design notes: "Normalization happens once").
type Message struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Text        string            `json:"text,omitempty"`
	Media       *Media            `json:"media,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Direction   Direction         `json:"direction"`
	Status      Status            `json:"status"`
	Interactive *Interactive      `json:"interactive,omitempty"`
	Order       *Order            `json:"order,omitempty"`
	CustomField map[string]string `json:"custom_field,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NowMillis returns the current time as milliseconds since epoch, the unit
// spec §3 mandates for Message.Timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Stream is the ephemeral record for an in-progress incoming streamed
// message (spec §3). At most one Stream is active at any time; its owner
// is the Streaming Message Processor.
type Stream struct {
	ID              string
	Text            string
	Timestamp       int64
	NextExpectedSeq int
	PendingDeltas   map[int]string
	MessageEmitted  bool
	Synthetic       bool
	CreatedAt       time.Time
}

// NewStream allocates a fresh stream record bound to id, per the
// stream_start handling in spec §4.5.2.
func NewStream(id string, timestamp int64) *Stream {
	return &Stream{
		ID:              id,
		NextExpectedSeq: 1,
		PendingDeltas:   make(map[int]string),
		Timestamp:       timestamp,
		CreatedAt:       time.Now(),
	}
}

// StreamMessageID returns the prefixed id a Stream's Message is emitted
// under ("msg_<raw-id>", spec §4.5.2).
func StreamMessageID(rawID string) string {
	return "msg_" + rawID
}
