package kafka

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a failure that cannot succeed on redelivery.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// IsRetryable reports whether err should be redelivered.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var dlqErr *DLQError
	return !errors.As(err, &dlqErr)
}

type DLQPayload struct {
	OriginalTopic string            `json:"original_topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Error         string            `json:"error"`
	Reason        string            `json:"reason,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	Payload       string            `json:"payload_base64"`
	Timestamp     time.Time         `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	out := DLQPayload{
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if msg != nil {
		out.OriginalTopic = msg.Topic
		out.Partition = msg.Partition
		out.Offset = msg.Offset
		if len(msg.Key) > 0 {
			out.Key = string(msg.Key)
		}
		if len(msg.Value) > 0 {
			out.Payload = base64.StdEncoding.EncodeToString(msg.Value)
		}
		if len(msg.Headers) > 0 {
			out.Headers = HeaderMap(msg.Headers)
		}
	}
	if err != nil {
		if err.Err != nil {
			out.Error = err.Err.Error()
		} else {
			out.Error = err.Error()
		}
		out.Reason = err.Reason
	}
	return out
}
