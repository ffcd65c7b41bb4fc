package overlay

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"go.dedis.ch/onet/v3/log"
)

// TCP is a real-network Overlay: every peer listens on one TCP address and
// keeps one outbound connection open to each of the others, grounded on
// the same send-by-roster-index idiom as MessageSender but moved onto
// plain TCP instead of cothority's tree-routed transport, since nothing
// here needs tree routing.
type TCP struct {
	serverAddrs []string
	clientAddrs []string

	mu    sync.Mutex
	conns map[string]net.Conn

	listener net.Listener
	inbox    chan []byte
}

// NewTCP starts listening on listenAddr and returns a TCP overlay that can
// reach the given server and client addresses by roster index.
func NewTCP(listenAddr string, serverAddrs, clientAddrs []string) (*TCP, error) {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	t := &TCP{
		serverAddrs: serverAddrs,
		clientAddrs: clientAddrs,
		conns:       make(map[string]net.Conn),
		listener:    l,
		inbox:       make(chan []byte, 256),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				log.Lvlf2("overlay: connection from %v closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			log.Lvlf2("overlay: short read from %v: %v", conn.RemoteAddr(), err)
			return
		}
		t.inbox <- body
	}
}

func (t *TCP) dial(addr string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *TCP) send(addr string, body []byte) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// SendToServer implements Overlay.
func (t *TCP) SendToServer(serverIndex int, body []byte) error {
	if serverIndex < 0 || serverIndex >= len(t.serverAddrs) {
		return ErrNoSuchPeer
	}
	return t.send(t.serverAddrs[serverIndex], body)
}

// SendToClient implements Overlay.
func (t *TCP) SendToClient(clientIndex int, body []byte) error {
	if clientIndex < 0 || clientIndex >= len(t.clientAddrs) {
		return ErrNoSuchPeer
	}
	return t.send(t.clientAddrs[clientIndex], body)
}

// Broadcast implements Overlay, delivering body to every client address.
func (t *TCP) Broadcast(body []byte) error {
	for _, addr := range t.clientAddrs {
		if err := t.send(addr, body); err != nil {
			return err
		}
	}
	return nil
}

// Inbox implements Overlay.
func (t *TCP) Inbox() <-chan []byte {
	return t.inbox
}

// Close releases the listener and every open outbound connection.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	return t.listener.Close()
}
