package main

import (
	"encoding/json"
	"sync"
)

// ConnectionRegistry tracks the live connections belonging to each room code
// and fans broadcasts out to them. A client that cannot keep up with its send
// buffer is dropped from the registry without disturbing the other clients.
type ConnectionRegistry struct {
	mu    sync.Mutex
	rooms map[string]map[*Client]bool

	cfg *Config
}

func newConnectionRegistry(cfg *Config) *ConnectionRegistry {
	return &ConnectionRegistry{
		rooms: make(map[string]map[*Client]bool),
		cfg:   cfg,
	}
}

func (cr *ConnectionRegistry) add(code string, c *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	clients, ok := cr.rooms[code]
	if !ok {
		clients = make(map[*Client]bool)
		cr.rooms[code] = clients
	}
	clients[c] = true
}

// remove deregisters a client, reporting whether it was still registered.
// Safe to call for clients that were never registered or were already
// dropped. Ownership of c.send passes to the caller only when remove returns
// true; every other removal path closes the channel itself.
func (cr *ConnectionRegistry) remove(code string, c *Client) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	clients, ok := cr.rooms[code]
	if !ok {
		return false
	}
	if _, registered := clients[c]; !registered {
		return false
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(cr.rooms, code)
	}
	return true
}

// broadcast serializes the message once and delivers the frame to every
// client registered under the room code. Clients whose send buffer is full
// (or already closed) are dropped so one stalled connection cannot hold up
// the rest of the room.
func (cr *ConnectionRegistry) broadcast(code string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		logf(cr.cfg, "ERROR: marshaling broadcast for room %s: %v", code, err)
		return
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	for c := range cr.rooms[code] {
		select {
		case c.send <- data:
		default:
			delete(cr.rooms[code], c)
			close(c.send)
			logf(cr.cfg, "ROOMS: Dropped stalled connection %s from room %s", c.id, code)
		}
	}
	if len(cr.rooms[code]) == 0 {
		delete(cr.rooms, code)
	}
}

// closeRoom disconnects every client registered under the room code and
// forgets the room. Used by the idle reaper.
func (cr *ConnectionRegistry) closeRoom(code string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for c := range cr.rooms[code] {
		close(c.send)
	}
	delete(cr.rooms, code)
}
