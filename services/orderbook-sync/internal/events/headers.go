package events

import (
	"strconv"
	"time"
)

const (
	HeaderTxHash                   = "tx_hash"
	HeaderMessageReceivedTimestamp = "message_received_timestamp"
	HeaderEventType                = "event_type"
)

// Headers is the optional metadata carried alongside an event.
type Headers struct {
	TxHash            string
	ReceivedTimestamp string
	EventType         string
}

// ReceivedAt parses ReceivedTimestamp as unix milliseconds.
func (h Headers) ReceivedAt() (time.Time, bool) {
	if h.ReceivedTimestamp == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(h.ReceivedTimestamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Outbound returns the headers propagated onto produced messages.
func (h Headers) Outbound(eventType string) map[string]string {
	return map[string]string{
		HeaderMessageReceivedTimestamp: h.ReceivedTimestamp,
		HeaderEventType:                eventType,
	}
}

func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
