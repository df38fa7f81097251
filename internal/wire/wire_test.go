package wire

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Kind: KindRegister, User: "9876543210"},
		{Kind: KindRegister, User: "9876543210", Fingerprint: "ab:cd:ef"},
		{Kind: KindIdentify, Port: 9090},
		{Kind: KindSend, To: "9123456789", Body: "hello"},
		{Kind: KindSend, To: "9123456789", Body: "note: colons :: stay intact"},
		{Kind: KindSend, To: "9123456789", Body: ""},
		{Kind: KindSendFile, To: "9123456789", FileName: "pic.png", FileSize: 1024, FileID: "f-1"},
		{Kind: KindGetOnlineUsers},
		{Kind: KindGetPeerAddr, User: "9876543210"},
		{Kind: KindPing},
		{Kind: KindPong},
		{Kind: KindRegistered, User: "9876543210"},
		{Kind: KindDelivered, To: "9123456789"},
		{Kind: KindQueued, To: "9999999999"},
		{Kind: KindOnlineUsers, Users: []string{"9876543210", "9123456789"}},
		{Kind: KindOnlineUsers, Users: []string{}},
		{Kind: KindMessage, From: "9876543210", Body: "hi there"},
		{Kind: KindMessage, From: "9876543210", Body: "a:b:c"},
		{Kind: KindFile, From: "9876543210", FileName: "doc.pdf", FileSize: 42, FileID: "f-2"},
		{Kind: KindPeerAddr, User: "9876543210", Host: "192.168.1.5", Port: 9090},
		{Kind: KindPeerAddr, User: "9876543210", Host: "::1", Port: 9091},
		{Kind: KindPeerUnknown, User: "9999999999"},
	}
	for _, want := range cases {
		line := Encode(want)
		got, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode(%q) error: %v", line, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch for %q:\n got %#v\nwant %#v", line, got, want)
		}
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	for _, line := range []string{"NOPE", "FROBNICATE:123", "send:9123456789:lowercase is not a command"} {
		_, err := Decode(line)
		if !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("Decode(%q) = %v, want ErrUnknownCommand", line, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"",
		"REGISTER",
		"REGISTER:",
		"SEND:9123456789",
		"SEND_FILE:9123456789:pic.png:notanumber:f-1",
		"IDENTIFY:abc",
		"IDENTIFY:70000",
		"GET_ONLINE_USERS:extra",
		"PEER_ADDR:9876543210:noport",
	}
	for _, line := range cases {
		_, err := Decode(line)
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("Decode(%q) = %v, want ErrMalformedMessage", line, err)
		}
	}
}

func TestDecodeStripsLineEndings(t *testing.T) {
	got, err := Decode("PING\r\n")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindPing {
		t.Fatalf("got kind %q, want PING", got.Kind)
	}
}

func TestSendBodyKeepsColons(t *testing.T) {
	got, err := Decode("SEND:9123456789:see http://example.com:8080/x")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Body != "see http://example.com:8080/x" {
		t.Fatalf("body mangled: %q", got.Body)
	}
}

func TestValidUser(t *testing.T) {
	valid := []string{"9876543210", "6000000000", "7123456789", "8999999999"}
	for _, u := range valid {
		if !ValidUser(u) {
			t.Fatalf("ValidUser(%q) = false, want true", u)
		}
	}
	invalid := []string{"", "12345", "5876543210", "98765432100", "987654321a", "987654321"}
	for _, u := range invalid {
		if ValidUser(u) {
			t.Fatalf("ValidUser(%q) = true, want false", u)
		}
	}
}

func TestPeerLineRoundTrip(t *testing.T) {
	want := &PeerPayload{
		ID:          "m-1",
		Sender:      "9876543210",
		Receiver:    "9123456789",
		Content:     "direct hello, with: colons",
		Timestamp:   1700000000000,
		Fingerprint: "ab:cd",
	}
	line, err := EncodePeerLine(want)
	if err != nil {
		t.Fatalf("EncodePeerLine: %v", err)
	}
	got, err := DecodePeerLine(line)
	if err != nil {
		t.Fatalf("DecodePeerLine: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("peer round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestDecodePeerLineErrors(t *testing.T) {
	if _, err := DecodePeerLine("MESSAGE:9876543210:hi"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("non-peer line: got %v, want ErrUnknownCommand", err)
	}
	if _, err := DecodePeerLine("P2P_MSG:{broken"); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("broken json: got %v, want ErrMalformedMessage", err)
	}
	if _, err := DecodePeerLine(`P2P_MSG:{"content":"x"}`); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("missing sender: got %v, want ErrMalformedMessage", err)
	}
}
