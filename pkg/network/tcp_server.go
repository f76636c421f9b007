// Package network serves the device transfer protocol over TCP.
package network

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"galleryindex/pkg/common"
	"galleryindex/pkg/monitor"
	"galleryindex/pkg/protocol"
)

// Counter supplies the library counts sent in LIST_RESPONSE.
type Counter interface {
	Counts(ctx context.Context) (favorites, history, downloads int64, err error)
}

// Peer describes one connected device.
type Peer struct {
	ID          uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time

	conn net.Conn
}

type TCPServer struct {
	counter          Counter
	handshakeTimeout time.Duration
	stats            *monitor.WorkloadStats

	peers *xsync.MapOf[uuid.UUID, *Peer]
	wg    sync.WaitGroup
}

// NewTCPServer creates a transfer server. A handshakeTimeout <= 0 waits for
// the first packet indefinitely.
func NewTCPServer(counter Counter, handshakeTimeout time.Duration, stats *monitor.WorkloadStats) *TCPServer {
	if stats == nil {
		stats = monitor.NewWorkloadStats()
	}
	return &TCPServer{
		counter:          counter,
		handshakeTimeout: handshakeTimeout,
		stats:            stats,
		peers:            xsync.NewMapOf[uuid.UUID, *Peer](),
	}
}

// Start listens on addr and serves until ctx is done.
func (s *TCPServer) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts peers on listener until ctx is done, then closes every
// open connection and waits for their loops to exit.
func (s *TCPServer) Serve(ctx context.Context, listener net.Listener) error {
	log.Printf("[Transfer] Listening on %s (protocol v%d)", listener.Addr(), protocol.Version)

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.peers.Range(func(_ uuid.UUID, p *Peer) bool {
			p.conn.Close()
			return true
		})
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Printf("[Transfer] Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Peers lists the connected devices.
func (s *TCPServer) Peers() []Peer {
	var out []Peer
	s.peers.Range(func(_ uuid.UUID, p *Peer) bool {
		out = append(out, Peer{ID: p.ID, RemoteAddr: p.RemoteAddr, ConnectedAt: p.ConnectedAt})
		return true
	})
	return out
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	p := &Peer{
		ID:          uuid.New(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	s.peers.Store(p.ID, p)
	s.stats.PeerConnected()
	defer func() {
		s.peers.Delete(p.ID)
		s.stats.PeerDisconnected()
		conn.Close()
	}()
	// the shutdown hook may have walked the registry before Store
	if ctx.Err() != nil {
		return
	}

	if err := s.handshake(conn); err != nil {
		log.Printf("[Transfer] %s (%s): handshake failed: %v", p.ID, p.RemoteAddr, err)
		return
	}
	log.Printf("[Transfer] %s (%s): ready", p.ID, p.RemoteAddr)

	for {
		req, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[Transfer] %s: read error: %v", p.ID, err)
			}
			return
		}
		s.stats.RecordFrame()

		if err := protocol.Encode(conn, s.respond(ctx, req)); err != nil {
			log.Printf("[Transfer] %s: write error: %v", p.ID, err)
			return
		}
	}
}

// handshake expects the peer's Hello first and answers with ours. A version
// mismatch is answered too, so the peer can tell why it is dropped.
func (s *TCPServer) handshake(conn net.Conn) error {
	if s.handshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	first, err := protocol.Decode(conn)
	if err != nil {
		return err
	}
	s.stats.RecordFrame()
	hello, ok := first.(protocol.Hello)
	if !ok {
		return errors.Wrapf(common.ErrProtocolViolation, "first packet is %v", first)
	}
	if err := protocol.Encode(conn, protocol.Hello{Version: protocol.Version}); err != nil {
		return err
	}
	if hello.Version != protocol.Version {
		return errors.Wrapf(common.ErrProtocolViolation, "peer speaks v%d, want v%d", hello.Version, protocol.Version)
	}
	return nil
}

func (s *TCPServer) respond(ctx context.Context, req protocol.Packet) protocol.Packet {
	switch req.(type) {
	case protocol.Ping:
		return protocol.Pong{}
	case protocol.ListRequest:
		if s.counter == nil {
			return protocol.ListResponse{}
		}
		favorites, history, downloads, err := s.counter.Counts(ctx)
		if err != nil {
			log.Printf("[Transfer] Counting library failed: %v", err)
			return protocol.Invalid{}
		}
		return protocol.ListResponse{
			Favorites: clamp(favorites),
			History:   clamp(history),
			Downloads: clamp(downloads),
		}
	default:
		return protocol.Invalid{}
	}
}

func clamp(n int64) int32 {
	if n > 1<<31-1 {
		return 1<<31 - 1
	}
	return int32(n)
}
