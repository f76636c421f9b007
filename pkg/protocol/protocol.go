// Package protocol is the wire format of the device transfer connection.
// Every packet is a type byte followed by fields whose size the type fixes,
// so no length framing is needed.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

// Version is the protocol version exchanged in Hello.
const Version byte = 1

// DefaultPort is where the transfer server listens unless configured.
const DefaultPort = 12221

const (
	TypeHello        byte = 0
	TypePing         byte = 1
	TypePong         byte = 2
	TypeListRequest  byte = 3
	TypeListResponse byte = 4
	TypeInvalid      byte = 255
)

type Packet interface {
	Type() byte
}

type Hello struct {
	Version byte
}

type Ping struct{}

type Pong struct{}

type ListRequest struct{}

// ListResponse carries the library counts of the answering device.
type ListResponse struct {
	Favorites int32
	History   int32
	Downloads int32
}

type Invalid struct{}

func (Hello) Type() byte        { return TypeHello }
func (Ping) Type() byte         { return TypePing }
func (Pong) Type() byte         { return TypePong }
func (ListRequest) Type() byte  { return TypeListRequest }
func (ListResponse) Type() byte { return TypeListResponse }
func (Invalid) Type() byte      { return TypeInvalid }

func (h Hello) String() string { return fmt.Sprintf("HELLO(v%d)", h.Version) }
func (Ping) String() string    { return "PING" }
func (Pong) String() string    { return "PONG" }
func (ListRequest) String() string {
	return "LIST_REQUEST"
}
func (l ListResponse) String() string {
	return fmt.Sprintf("LIST_RESPONSE(favorites=%d history=%d downloads=%d)", l.Favorites, l.History, l.Downloads)
}
func (Invalid) String() string { return "INVALID" }

// Marshal returns the wire bytes of p.
func Marshal(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case Hello:
		return []byte{TypeHello, v.Version}, nil
	case ListResponse:
		buf := make([]byte, 13)
		buf[0] = TypeListResponse
		binary.BigEndian.PutUint32(buf[1:5], uint32(v.Favorites))
		binary.BigEndian.PutUint32(buf[5:9], uint32(v.History))
		binary.BigEndian.PutUint32(buf[9:13], uint32(v.Downloads))
		return buf, nil
	case Ping, Pong, ListRequest, Invalid:
		return []byte{v.Type()}, nil
	default:
		return nil, errors.Wrapf(common.ErrProtocolViolation, "cannot encode %T", p)
	}
}

// Encode writes p to w in a single Write.
func Encode(w io.Writer, p Packet) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one packet from r. An unknown type byte is a
// protocol violation; a short read returns the underlying io error.
func Decode(r io.Reader) (Packet, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	switch tag[0] {
	case TypeHello:
		var v [1]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return nil, eof(err)
		}
		return Hello{Version: v[0]}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeListRequest:
		return ListRequest{}, nil
	case TypeListResponse:
		var body [12]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, eof(err)
		}
		return ListResponse{
			Favorites: int32(binary.BigEndian.Uint32(body[0:4])),
			History:   int32(binary.BigEndian.Uint32(body[4:8])),
			Downloads: int32(binary.BigEndian.Uint32(body[8:12])),
		}, nil
	case TypeInvalid:
		return Invalid{}, nil
	default:
		return nil, errors.Wrapf(common.ErrProtocolViolation, "unknown packet type %d", tag[0])
	}
}

// a packet cut off after its type byte is never a clean end of stream
func eof(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
