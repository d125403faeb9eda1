package websocket

import (
	"fmt"
	"sync"
	"testing"

	"classrelay/pkg/protocol"
)

func TestRegistry_AddAndGet(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Add(nil); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	conn := newDetachedConnection("c1", 1)
	if err := registry.Add(conn); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := registry.Add(conn); err != ErrDuplicateConnection {
		t.Errorf("Expected ErrDuplicateConnection, got %v", err)
	}

	got, ok := registry.Get("c1")
	if !ok || got != conn {
		t.Error("Get should return the registered connection")
	}
	if registry.Count() != 1 {
		t.Errorf("Count = %d, want 1", registry.Count())
	}
}

func TestRegistry_RemoveOnlySameInstance(t *testing.T) {
	registry := NewRegistry()

	original := newDetachedConnection("c1", 1)
	impostor := newDetachedConnection("c1", 1)
	if err := registry.Add(original); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	registry.Remove(impostor)
	if _, ok := registry.Get("c1"); !ok {
		t.Error("removing a different instance must not drop the registered one")
	}

	registry.Remove(original)
	registry.Remove(original)
	if _, ok := registry.Get("c1"); ok {
		t.Error("connection should be removed")
	}
}

func TestRegistry_SessionConnectionsFollowBindings(t *testing.T) {
	registry := NewRegistry()

	teacher := newDetachedConnection("t", 1)
	student := newDetachedConnection("s", 1)
	other := newDetachedConnection("o", 1)
	for _, c := range []*Connection{teacher, student, other} {
		if err := registry.Add(c); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	teacher.Bind(protocol.RoleTeacher, "en-US", "session-1")
	student.Bind(protocol.RoleStudent, "es-ES", "session-1")
	other.Bind(protocol.RoleStudent, "fr-FR", "session-2")

	if n := len(registry.SessionConnections("session-1")); n != 2 {
		t.Errorf("session-1 connections = %d, want 2", n)
	}

	student.Detach()
	if n := len(registry.SessionConnections("session-1")); n != 1 {
		t.Errorf("session-1 connections after detach = %d, want 1", n)
	}
}

func TestRegistry_GetStats(t *testing.T) {
	registry := NewRegistry()

	teacher := newDetachedConnection("t", 1)
	teacher.Bind(protocol.RoleTeacher, "en-US", "session-1")
	student := newDetachedConnection("s", 1)
	student.Bind(protocol.RoleStudent, "es-ES", "session-1")
	pending := newDetachedConnection("p", 1)

	for _, c := range []*Connection{teacher, student, pending} {
		if err := registry.Add(c); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	stats := registry.GetStats()
	want := map[string]int{
		"total_connections": 3,
		"teachers":          1,
		"students":          1,
		"unregistered":      1,
		"active_sessions":   1,
	}
	for key, value := range want {
		if stats[key] != value {
			t.Errorf("stats[%s] = %d, want %d", key, stats[key], value)
		}
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := NewRegistry()
	conns := []*Connection{newDetachedConnection("a", 1), newDetachedConnection("b", 1)}
	for _, c := range conns {
		if err := registry.Add(c); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	registry.CloseAll()

	for _, c := range conns {
		select {
		case <-c.Done():
		default:
			t.Errorf("connection %s not closed", c.ID())
		}
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newDetachedConnection(fmt.Sprintf("c%d", i), 1)
			if err := registry.Add(conn); err != nil {
				t.Errorf("Add failed: %v", err)
				return
			}
			conn.Bind(protocol.RoleStudent, "es-ES", "session-1")
			_ = registry.GetStats()
			_ = registry.SessionConnections("session-1")
			registry.Remove(conn)
		}(i)
	}
	wg.Wait()

	if registry.Count() != 0 {
		t.Errorf("Count = %d, want 0", registry.Count())
	}
}
