package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"galleryindex/pkg/common"
)

func TestEncodeDecode(t *testing.T) {
	packets := []Packet{
		Hello{Version: Version},
		Hello{Version: 7},
		Ping{},
		Pong{},
		ListRequest{},
		ListResponse{Favorites: 12, History: 0, Downloads: -1},
		ListResponse{Favorites: 1 << 30, History: 42, Downloads: 3},
		Invalid{},
	}
	for _, p := range packets {
		buf := new(bytes.Buffer)
		if err := Encode(buf, p); err != nil {
			t.Fatalf("Encode %v failed: %v", p, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode %v failed: %v", p, err)
		}
		if got != p {
			t.Errorf("round trip: got %v, want %v", got, p)
		}
		if buf.Len() != 0 {
			t.Errorf("%v left %d unread bytes", p, buf.Len())
		}
	}
}

func TestWireBytes(t *testing.T) {
	cases := []struct {
		p    Packet
		want []byte
	}{
		{Hello{Version: 1}, []byte{0, 1}},
		{Ping{}, []byte{1}},
		{Pong{}, []byte{2}},
		{ListRequest{}, []byte{3}},
		{ListResponse{Favorites: 1, History: 258, Downloads: -2}, []byte{4, 0, 0, 0, 1, 0, 0, 1, 2, 0xff, 0xff, 0xff, 0xfe}},
		{Invalid{}, []byte{255}},
	}
	for _, c := range cases {
		got, err := Marshal(c.p)
		if err != nil {
			t.Fatalf("Marshal %v: %v", c.p, err)
		}
		if !bytes.Equal(got, c.want) {
			t.Errorf("%v: got % x, want % x", c.p, got, c.want)
		}
	}
}

func TestDecodeStream(t *testing.T) {
	buf := new(bytes.Buffer)
	for _, p := range []Packet{Hello{Version: Version}, Ping{}, ListResponse{Favorites: 3}} {
		if err := Encode(buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []Packet{Hello{Version: Version}, Ping{}, ListResponse{Favorites: 3}} {
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := Decode(buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{9}))
	if !errors.Is(err, common.ErrProtocolViolation) {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, raw := range [][]byte{{TypeHello}, {TypeListResponse, 0, 0, 0, 1, 0}} {
		_, err := Decode(bytes.NewReader(raw))
		if err != io.ErrUnexpectedEOF {
			t.Errorf("% x: expected io.ErrUnexpectedEOF, got %v", raw, err)
		}
	}
}
