package main

import (
	"encoding/json"
	"testing"
)

func newChanClient(buffer int) *Client {
	return &Client{
		id:   "test",
		send: make(chan []byte, buffer),
	}
}

func TestRegistryAddRemove(t *testing.T) {
	reg := newConnectionRegistry(&Config{})
	c := newChanClient(1)

	// Removing an unregistered client is a no-op.
	if reg.remove("AB12", c) {
		t.Error("remove of unregistered client reported success")
	}

	reg.add("AB12", c)
	if !reg.remove("AB12", c) {
		t.Error("remove of registered client reported failure")
	}
	if reg.remove("AB12", c) {
		t.Error("second remove reported success")
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	reg := newConnectionRegistry(&Config{})
	first := newChanClient(1)
	second := newChanClient(1)
	other := newChanClient(1)

	reg.add("AB12", first)
	reg.add("AB12", second)
	reg.add("ZZ99", other)

	reg.broadcast("AB12", map[string]string{"state": "lobby"})

	for _, c := range []*Client{first, second} {
		select {
		case data := <-c.send:
			var decoded map[string]string
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("decoding frame: %v", err)
			}
			if decoded["state"] != "lobby" {
				t.Errorf("frame = %v", decoded)
			}
		default:
			t.Fatal("client did not receive broadcast")
		}
	}

	select {
	case <-other.send:
		t.Error("client in another room received broadcast")
	default:
	}
}

func TestBroadcastIsolatesStalledClient(t *testing.T) {
	reg := newConnectionRegistry(&Config{})
	stalled := newChanClient(0)
	healthy := newChanClient(1)

	reg.add("AB12", stalled)
	reg.add("AB12", healthy)

	reg.broadcast("AB12", map[string]string{"state": "question"})

	select {
	case <-healthy.send:
	default:
		t.Fatal("healthy client lost a broadcast because another client stalled")
	}

	// The stalled client's channel is closed and it no longer receives.
	if _, open := <-stalled.send; open {
		t.Error("stalled client's channel was not closed")
	}

	reg.broadcast("AB12", map[string]string{"state": "results"})
	select {
	case <-healthy.send:
	default:
		t.Fatal("healthy client missed followup broadcast")
	}
}

func TestCloseRoomDisconnectsClients(t *testing.T) {
	reg := newConnectionRegistry(&Config{})
	c := newChanClient(1)
	reg.add("AB12", c)

	reg.closeRoom("AB12")

	if _, open := <-c.send; open {
		t.Error("channel still open after closeRoom")
	}
	if reg.remove("AB12", c) {
		t.Error("client still registered after closeRoom")
	}
}
