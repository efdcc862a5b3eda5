package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EstimatedSize returns the conservative storage cost of a serialized
// value. The figure is twice the byte length, which dominates both a
// UTF-8 and a UTF-16 accounting of the same text, so the estimate
// never under-reports the true cost on any backing store.
func EstimatedSize(data []byte) int {
	return 2 * len(data)
}

// marshal encodes v as compact JSON without HTML escaping, matching
// what every peer writes so that size accounting agrees across
// replicas.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; trim it so lengths are exact.
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}

// EncodeMeta serializes a meta record.
func EncodeMeta(m Meta) ([]byte, error) {
	if m.Shards == nil {
		m.Shards = []uint32{}
	}
	data, err := marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return data, nil
}

// EncodeEvents serializes a shard's event list.
func EncodeEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return data, nil
}

// EncodeBaseline serializes a baseline record.
func EncodeBaseline(b Baseline) ([]byte, error) {
	if b.Includes == nil {
		b.Includes = map[string]uint64{}
	}
	data, err := marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode baseline: %w", err)
	}
	return data, nil
}

// EncodeSeen serializes a seen-vector record.
func EncodeSeen(s Seen) ([]byte, error) {
	if s.Increments == nil {
		s.Increments = map[string]uint64{}
	}
	data, err := marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode seen: %w", err)
	}
	return data, nil
}

// DecodeMeta parses and validates a meta record. Records that fail
// schema validation return an error; callers reading remote peers skip
// the record rather than abort.
func DecodeMeta(data []byte) (Meta, error) {
	if err := validateSchema(metaSchema, data); err != nil {
		return Meta{}, fmt.Errorf("meta record: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("meta record: %w", err)
	}
	return m, nil
}

// DecodeEvents parses and validates a shard's event list.
func DecodeEvents(data []byte) ([]Event, error) {
	if err := validateSchema(eventsSchema, data); err != nil {
		return nil, fmt.Errorf("shard record: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("shard record: %w", err)
	}
	return events, nil
}

// DecodeBaseline parses and validates a baseline record.
func DecodeBaseline(data []byte) (Baseline, error) {
	if err := validateSchema(baselineSchema, data); err != nil {
		return Baseline{}, fmt.Errorf("baseline record: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, fmt.Errorf("baseline record: %w", err)
	}
	if b.Includes == nil {
		b.Includes = map[string]uint64{}
	}
	return b, nil
}

// DecodeSeen parses and validates a seen-vector record.
func DecodeSeen(data []byte) (Seen, error) {
	if err := validateSchema(seenSchema, data); err != nil {
		return Seen{}, fmt.Errorf("seen record: %w", err)
	}
	var s Seen
	if err := json.Unmarshal(data, &s); err != nil {
		return Seen{}, fmt.Errorf("seen record: %w", err)
	}
	if s.Increments == nil {
		s.Increments = map[string]uint64{}
	}
	return s, nil
}
