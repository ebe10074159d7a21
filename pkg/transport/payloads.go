package transport

import "github.com/weni/webchat-core/pkg/message"

// Outbound frame builders for the payload shapes enumerated in spec §6.
// Grounded on the teacher's explicit dto.MessageToCreate-style payload
// construction in pkg/channels/qq.go's Send, rather than ad hoc map
// literals scattered at call sites.

// TextPayload returns the {type, text} payload for an outbound text
// message.
func TextPayload(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

// MediaPayload returns the {type, media} payload for an outbound media
// message.
func MediaPayload(mediaType string, media message.Media) map[string]interface{} {
	return map[string]interface{}{"type": mediaType, "media": media}
}

// OrderPayload returns the {type: "order", timestamp, order} payload.
func OrderPayload(order message.Order) map[string]interface{} {
	return map[string]interface{}{
		"type":      "order",
		"timestamp": order.Timestamp,
		"order":     order,
	}
}

// MessageFrame returns the {type: "message", message, from, context}
// envelope spec §6 documents for outbound message sends.
func MessageFrame(payload interface{}, from, context string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "message",
		"message": payload,
		"from":    from,
		"context": context,
	}
}

// MessageWithFieldsFrame returns the {type: "message_with_fields", ...,
// data} envelope for sends carrying custom fields.
func MessageWithFieldsFrame(payload interface{}, from, context string, data map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "message_with_fields",
		"message": payload,
		"from":    from,
		"context": context,
		"data":    data,
	}
}

// SetCustomFieldFrame returns the {type: "set_custom_field", data: {key,
// value}} envelope.
func SetCustomFieldFrame(key, value string) map[string]interface{} {
	return map[string]interface{}{
		"type": "set_custom_field",
		"data": map[string]string{"key": key, "value": value},
	}
}

// HistoryParams configures a get_history request (spec §6).
type HistoryParams struct {
	Limit  int    `json:"limit,omitempty"`
	Page   int    `json:"page,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// GetHistoryFrame returns the {type: "get_history", params} envelope.
func GetHistoryFrame(params HistoryParams) map[string]interface{} {
	return map[string]interface{}{
		"type":   "get_history",
		"params": params,
	}
}
