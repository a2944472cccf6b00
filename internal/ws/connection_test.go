package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestConnection_TouchPingConcurrent(t *testing.T) {
	c := &Connection{}
	start := time.Now()

	// Read workers and the heartbeat sweep touch and read concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.TouchPing()
				_ = c.LastPing()
			}
		}()
	}
	wg.Wait()

	last := c.LastPing()
	if last.Before(start) {
		t.Errorf("last ping %v predates the test start %v", last, start)
	}
	if time.Since(last) > time.Second {
		t.Errorf("last ping %v is stale", last)
	}
}

func TestConnectionManager_UserSessions(t *testing.T) {
	cm := NewConnectionManager()

	newConn := func(id, userID string, fd int) *Connection {
		server, client := net.Pipe()
		t.Cleanup(func() {
			server.Close()
			client.Close()
		})
		return &Connection{ID: id, UserID: userID, Conn: server, Fd: fd}
	}

	cm.Add(newConn("s1", "u1", 1))
	cm.Add(newConn("s2", "u1", 2))
	cm.Add(newConn("s3", "u2", 3))

	if cm.Count() != 3 {
		t.Fatalf("expected 3 connections, got %d", cm.Count())
	}
	if len(cm.UserSessions("u1")) != 2 {
		t.Errorf("expected 2 sessions for u1, got %d", len(cm.UserSessions("u1")))
	}
	if cm.GetByFd(2) == nil {
		t.Error("expected fd lookup to find session s2")
	}

	if !cm.Remove("s1") {
		t.Error("remove should report the session was found")
	}
	if cm.Remove("s1") {
		t.Error("second remove of the same session should be a no-op")
	}
	if len(cm.UserSessions("u1")) != 1 {
		t.Errorf("expected 1 remaining session for u1, got %d", len(cm.UserSessions("u1")))
	}

	cm.Remove("s2")
	if got := cm.UserSessions("u1"); len(got) != 0 {
		t.Errorf("expected no sessions for u1 after last remove, got %d", len(got))
	}
}
