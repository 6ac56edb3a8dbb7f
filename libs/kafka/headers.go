package kafka

import "github.com/IBM/sarama"

// Header returns the value of the first record header named key.
func Header(headers []*sarama.RecordHeader, key string) (string, bool) {
	for _, h := range headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func HeaderMap(headers []*sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

// RecordHeaders converts a header map into producer headers, skipping empty values.
func RecordHeaders(values map[string]string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(values))
	for k, v := range values {
		if v == "" {
			continue
		}
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}
