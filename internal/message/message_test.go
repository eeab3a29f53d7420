package message

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{GlobalID: 1, MessageID: 1, Channel: "/chat", Data: []byte("hi")},
		{GlobalID: 42, MessageID: 7, Channel: "token.BTC", Data: []byte(`{"price":1}`)},
		{GlobalID: 9, MessageID: 9, Channel: "/x", Data: []byte("line1\nline2\nline3")},
		{GlobalID: 1, MessageID: 1, Channel: "/x", Data: []byte("a|b|c")},
		{GlobalID: 1, MessageID: 1, Channel: "/x", Data: []byte{}},
		{
			GlobalID: 5, MessageID: 2, Channel: "/notify", Data: []byte("hi"),
			UserIDs: []string{"u1", "u2"}, GroupIDs: []string{"g1"}, ClientIDs: []string{"c1", "c2", "c3"}, SiteID: "site-a",
		},
	}

	for _, want := range cases {
		encoded := Encode(want)
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) error: %v", encoded, err)
		}
		if got.GlobalID != want.GlobalID || got.MessageID != want.MessageID || got.Channel != want.Channel {
			t.Fatalf("round-trip header mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("round-trip payload mismatch: got %q, want %q", got.Data, want.Data)
		}
		if !stringSlicesEqual(got.UserIDs, want.UserIDs) || !stringSlicesEqual(got.GroupIDs, want.GroupIDs) || !stringSlicesEqual(got.ClientIDs, want.ClientIDs) {
			t.Fatalf("round-trip scope mismatch: got %+v, want %+v", got, want)
		}
		if got.SiteID != want.SiteID {
			t.Fatalf("round-trip site_id mismatch: got %q, want %q", got.SiteID, want.SiteID)
		}
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("no newline here"),
		[]byte("1|2\nmissing channel part"),
		[]byte("notanumber|2|chan\ndata"),
		[]byte("1|notanumber|chan\ndata"),
		[]byte("1|2|chan\n|||"),
		[]byte("1|2|chan\nnoPipesHere\ndata"),
	}
	for _, raw := range cases {
		if _, err := Decode(raw); err == nil {
			t.Errorf("Decode(%q): expected error, got nil", raw)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Message{GlobalID: 1, MessageID: 1, Channel: "/x", Data: []byte("abc"), UserIDs: []string{"u1"}}
	clone := orig.Clone()
	clone.Data[0] = 'z'
	clone.UserIDs[0] = "u2"

	if orig.Data[0] != 'a' {
		t.Errorf("mutating clone.Data affected original: %q", orig.Data)
	}
	if orig.UserIDs[0] != "u1" {
		t.Errorf("mutating clone.UserIDs affected original: %v", orig.UserIDs)
	}
}
