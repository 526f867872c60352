package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := BrokerMessage{Key: "k1", Payload: []byte("hello")}
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got BrokerMessage
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Key != msg.Key || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("raw payload bytes")
	if err := WriteBytes(&buf, payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := ReadBytes(&buf)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// TestCacheFieldExplicitPresence covers HasField('cache') semantics: a
// nil Cache must marshal as an absent field, while a present (even
// empty) Cache must round trip as present.
func TestCacheFieldExplicitPresence(t *testing.T) {
	absent := PalmMessage{Function: "s.f", Payload: []byte("x")}
	data, err := json.Marshal(absent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, []byte(`"cache"`)) {
		t.Fatalf("absent cache field should be omitted entirely, got %s", data)
	}

	present := PalmMessage{Function: "s.f", Payload: []byte("x")}
	present.SetCache("")
	data, err = json.Marshal(present)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"cache":""`)) {
		t.Fatalf("explicit empty cache field should round trip present, got %s", data)
	}

	var decoded PalmMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	key, ok := decoded.CacheKey()
	if !ok || key != "" {
		t.Fatalf("decoded cache field should be present and empty, got (%q, %v)", key, ok)
	}

	var decodedAbsent PalmMessage
	if err := json.Unmarshal([]byte(`{"function":"s.f","payload":"eA=="}`), &decodedAbsent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decodedAbsent.HasCache() {
		t.Fatalf("cache field absent from JSON should decode as absent")
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	// A length prefix claiming more than maxFrameSize with no body at all.
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	var v BrokerMessage
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatalf("expected an error for an oversize frame length")
	}
}
