package record

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatedSize_NeverUnderReports(t *testing.T) {
	// The estimate must dominate the byte length of the serialized
	// text regardless of content, including non-ASCII payloads.
	samples := []string{
		"",
		`{"a":1}`,
		`{"title":"héllo wörld"}`,
		`{"emoji":"🗂️🗂️🗂️"}`,
		strings.Repeat("x", 4096),
	}
	for _, s := range samples {
		assert.GreaterOrEqual(t, EstimatedSize([]byte(s)), len(s))
	}
}

func TestEncodeDecodeMeta(t *testing.T) {
	m := Meta{Version: ProtocolVersion, LastIncrement: 17, Shards: []uint32{0, 2}}
	data, err := EncodeMeta(m)
	require.NoError(t, err)

	got, err := DecodeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestEncodeMeta_NilShards(t *testing.T) {
	data, err := EncodeMeta(Meta{Version: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"shards":[]`, "shards should encode as empty array, not null")
}

func TestDecodeMeta_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "nonsense"},
		{"wrong type", `{"version":"one","lastIncrement":0,"shards":[]}`},
		{"missing fields", `{"version":1}`},
		{"negative increment", `{"version":1,"lastIncrement":-4,"shards":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMeta([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeEvents(t *testing.T) {
	events := []Event{
		{Increment: 1, HLCTime: 1000, HLCCounter: 0, Op: Op{Type: "todo/add", Data: json.RawMessage(`{"id":"t1"}`)}},
		{Increment: 2, HLCTime: 1000, HLCCounter: 1, Op: Op{Type: "todo/done", Data: json.RawMessage(`{"id":"t1"}`)}},
	}
	data, err := EncodeEvents(events)
	require.NoError(t, err)

	got, err := DecodeEvents(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Increment)
	assert.Equal(t, "todo/done", got[1].Op.Type)
	assert.JSONEq(t, `{"id":"t1"}`, string(got[1].Op.Data))
}

func TestDecodeEvents_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"object not array", `{"increment":1}`},
		{"missing op", `[{"increment":1,"hlcTime":0,"hlcCounter":0}]`},
		{"zero increment", `[{"increment":0,"hlcTime":0,"hlcCounter":0,"op":{"type":"x"}}]`},
		{"op missing type", `[{"increment":1,"hlcTime":0,"hlcCounter":0,"op":{}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvents([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeBaseline(t *testing.T) {
	b := Baseline{
		Includes: map[string]uint64{"alpha": 20, "beta": 3},
		State:    json.RawMessage(`{"todos":{}}`),
	}
	data, err := EncodeBaseline(b)
	require.NoError(t, err)

	got, err := DecodeBaseline(data)
	require.NoError(t, err)
	assert.Equal(t, b.Includes, got.Includes)
	assert.JSONEq(t, string(b.State), string(got.State))
}

func TestDecodeBaseline_EmptyIncludes(t *testing.T) {
	got, err := DecodeBaseline([]byte(`{"includes":{}}`))
	require.NoError(t, err)
	assert.NotNil(t, got.Includes)
	assert.Empty(t, got.Includes)
}

func TestEncodeDecodeSeen(t *testing.T) {
	s := Seen{Increments: map[string]uint64{"alpha": 7}, LastActive: 1700000000000}
	data, err := EncodeSeen(s)
	require.NoError(t, err)

	got, err := DecodeSeen(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeSeen_Malformed(t *testing.T) {
	_, err := DecodeSeen([]byte(`{"increments":{"alpha":"seven"},"lastActive":0}`))
	assert.Error(t, err)
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	// Size accounting must agree across peers, so encoding must be
	// byte-stable for payloads containing <, >, &.
	events := []Event{{Increment: 1, HLCTime: 1, HLCCounter: 0, Op: Op{Type: "note", Data: json.RawMessage(`{"t":"a<b&c>d"}`)}}}
	data, err := EncodeEvents(events)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a<b&c>d")
	assert.NotContains(t, string(data), "\\u003c")
}
