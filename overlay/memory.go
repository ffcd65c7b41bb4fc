package overlay

import "sync"

// Memory is an in-process Overlay connecting a fixed set of peers
// without touching the network, useful for tests and for running every
// role of a round in one binary.
type Memory struct {
	mu      sync.Mutex
	servers map[int]chan []byte
	clients map[int]chan []byte
	inbox   chan []byte
}

// NewMemory creates a Memory overlay whose Inbox is the channel named
// self and whose SendToServer/SendToClient write into the servers/clients
// channels given.
func NewMemory(self chan []byte, servers, clients map[int]chan []byte) *Memory {
	return &Memory{inbox: self, servers: servers, clients: clients}
}

func (m *Memory) SendToServer(serverIndex int, body []byte) error {
	ch, ok := m.servers[serverIndex]
	if !ok {
		return ErrNoSuchPeer
	}
	ch <- body
	return nil
}

func (m *Memory) SendToClient(clientIndex int, body []byte) error {
	ch, ok := m.clients[clientIndex]
	if !ok {
		return ErrNoSuchPeer
	}
	ch <- body
	return nil
}

func (m *Memory) Broadcast(body []byte) error {
	for _, ch := range m.clients {
		ch <- body
	}
	return nil
}

func (m *Memory) Inbox() <-chan []byte {
	return m.inbox
}

// NewMemoryNetwork builds a fully connected set of Memory overlays for
// nServers servers and nClients clients, each buffered so a test can
// drive a whole phase without a separate goroutine per peer.
func NewMemoryNetwork(nServers, nClients, buffer int) (servers []*Memory, clients []*Memory) {
	serverChans := make(map[int]chan []byte, nServers)
	clientChans := make(map[int]chan []byte, nClients)
	for i := 0; i < nServers; i++ {
		serverChans[i] = make(chan []byte, buffer)
	}
	for i := 0; i < nClients; i++ {
		clientChans[i] = make(chan []byte, buffer)
	}

	for i := 0; i < nServers; i++ {
		servers = append(servers, NewMemory(serverChans[i], serverChans, clientChans))
	}
	for i := 0; i < nClients; i++ {
		clients = append(clients, NewMemory(clientChans[i], serverChans, clientChans))
	}
	return servers, clients
}
