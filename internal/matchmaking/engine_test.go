package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/vovakirdan/lobbyrelay/internal/store"
	"github.com/vovakirdan/lobbyrelay/internal/store/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.SQLiteStore) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return NewEngine(st, DefaultJoinRetries, nil, nil), st
}

func newClient(t *testing.T, st store.ClientStore, id string) *store.Client {
	t.Helper()

	c := &store.Client{ID: id, ConnectionID: "conn-" + id}
	if err := st.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("failed to create client %s: %v", id, err)
	}
	return c
}

func memberCount(t *testing.T, st store.RoomStore, code string) int {
	t.Helper()

	room, err := st.GetRoomByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetRoomByCode(%s) failed: %v", code, err)
	}
	if len(room.Members) > room.MaxPlayers {
		t.Fatalf("room %s over capacity: %d > %d", code, len(room.Members), room.MaxPlayers)
	}
	return len(room.Members)
}

func TestNewRoomCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9A-F]{6}$`)
	for range 50 {
		if code := NewRoomCode(); !pattern.MatchString(code) {
			t.Fatalf("unexpected room code %q", code)
		}
	}
}

func TestAssignRandomFillsFullestRoom(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")

	r1, err := engine.AssignRandom(ctx, a, 2)
	if err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if r1.IsPrivate || len(r1.Members) != 1 {
		t.Fatalf("expected new public room with one member, got %+v", r1)
	}

	r2, err := engine.AssignRandom(ctx, b, 2)
	if err != nil {
		t.Fatalf("assign b: %v", err)
	}
	if r2.Code != r1.Code {
		t.Fatalf("expected b to join %s, got %s", r1.Code, r2.Code)
	}
	if n := memberCount(t, st, r1.Code); n != 2 {
		t.Fatalf("expected 2 members, got %d", n)
	}

	r3, err := engine.AssignRandom(ctx, c, 2)
	if err != nil {
		t.Fatalf("assign c: %v", err)
	}
	if r3.Code == r1.Code {
		t.Fatalf("expected c to get a new room")
	}
	if n := memberCount(t, st, r3.Code); n != 1 {
		t.Fatalf("expected new room with 1 member, got %d", n)
	}
}

func TestAssignRandomPrefersMostFilled(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")
	d := newClient(t, st, "d")

	half, err := engine.CreatePrivate(ctx, a, 4)
	if err != nil {
		t.Fatalf("create private: %v", err)
	}
	// Two public rooms: one with a single member, one with two.
	small, err := engine.AssignRandom(ctx, b, 4)
	if err != nil {
		t.Fatalf("assign b: %v", err)
	}
	if small.Code == half.Code {
		t.Fatalf("random assignment must skip private rooms")
	}
	big := &store.Room{ID: "big", Code: "BIG001", MaxPlayers: 4, IsActive: true, Members: []*store.Client{c}}
	now := engine.now().UTC()
	c.JoinedAt = &now
	if err := st.CreateRoom(ctx, big); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, "BIG001", d, 4); err != nil {
		t.Fatalf("join big: %v", err)
	}

	e := newClient(t, st, "e")
	got, err := engine.AssignRandom(ctx, e, 4)
	if err != nil {
		t.Fatalf("assign e: %v", err)
	}
	if got.Code != "BIG001" {
		t.Fatalf("expected fullest room BIG001, got %s", got.Code)
	}
}

func TestPrivateRoomJoinByCode(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")

	room, err := engine.CreatePrivate(ctx, a, 4)
	if err != nil {
		t.Fatalf("create private: %v", err)
	}
	if !room.IsPrivate || len(room.Code) != CodeLength {
		t.Fatalf("unexpected private room: %+v", room)
	}

	joined, err := engine.JoinByCode(ctx, room.Code, b, 4)
	if err != nil {
		t.Fatalf("join by code: %v", err)
	}
	if len(joined.Members) != 2 || joined.Members[1].ID != "b" {
		t.Fatalf("expected b appended, got %+v", joined.Members)
	}
	if b.RoomID == nil || *b.RoomID != room.ID || b.JoinedAt == nil {
		t.Fatalf("expected b to reference room, got %+v", b)
	}

	before, err := st.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, "ZZZZZZ", c, 4); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	after, err := st.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("failed join must not change state: %d rooms before, %d after", len(before), len(after))
	}
	if n := memberCount(t, st, room.Code); n != 2 {
		t.Fatalf("expected 2 members, got %d", n)
	}
}

func TestJoinByCodeFullRoom(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")

	room, err := engine.CreatePrivate(ctx, a, 2)
	if err != nil {
		t.Fatalf("create private: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, room.Code, b, 2); err != nil {
		t.Fatalf("join b: %v", err)
	}

	if _, err := engine.JoinByCode(ctx, room.Code, c, 2); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if n := memberCount(t, st, room.Code); n != 2 {
		t.Fatalf("full room membership changed: %d", n)
	}

	// A larger caller limit does not override the room's own capacity.
	if _, err := engine.JoinByCode(ctx, room.Code, c, 10); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull with larger limit, got %v", err)
	}
}

func TestJoinRejectsInvalidInput(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")

	if _, err := engine.AssignRandom(ctx, nil, 2); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil client, got %v", err)
	}
	if _, err := engine.CreatePrivate(ctx, a, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero size, got %v", err)
	}
	if _, err := engine.JoinByCode(ctx, "", a, 2); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty code, got %v", err)
	}

	rooms, err := st.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("invalid input must not create rooms, got %d", len(rooms))
	}
}

func TestConcurrentJoinsNeverOverfill(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	owner := newClient(t, st, "owner")
	room, err := engine.CreatePrivate(ctx, owner, 3)
	if err != nil {
		t.Fatalf("create private: %v", err)
	}

	const joiners = 8
	clients := make([]*store.Client, joiners)
	for i := range clients {
		clients[i] = newClient(t, st, fmt.Sprintf("j%d", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *store.Client) {
			defer wg.Done()
			_, err := engine.JoinByCode(ctx, room.Code, c, 3)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrRoomFull) {
				t.Errorf("unexpected join error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	n := memberCount(t, st, room.Code)
	if n != 1+successes {
		t.Fatalf("membership %d does not match 1 + %d successful joins", n, successes)
	}
	if successes > 2 {
		t.Fatalf("expected at most 2 successful joins, got %d", successes)
	}
}

func TestConcurrentAssignRandomOnEmptyStore(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")

	var wg sync.WaitGroup
	for _, c := range []*store.Client{a, b} {
		wg.Add(1)
		go func(c *store.Client) {
			defer wg.Done()
			if _, err := engine.AssignRandom(ctx, c, 2); err != nil && !errors.Is(err, ErrRoomFull) {
				t.Errorf("unexpected assign error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	rooms, err := st.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	total := 0
	for _, r := range rooms {
		if len(r.Members) > 2 {
			t.Fatalf("room %s over capacity: %d", r.Code, len(r.Members))
		}
		total += len(r.Members)
	}
	if total > 2 {
		t.Fatalf("expected at most 2 placed clients, got %d", total)
	}
}

func TestLeaveAndLeaveCurrent(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")

	room, err := engine.AssignRandom(ctx, a, 4)
	if err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, room.Code, b, 4); err != nil {
		t.Fatalf("join b: %v", err)
	}

	left, err := engine.Leave(ctx, room.Code, a)
	if err != nil {
		t.Fatalf("leave a: %v", err)
	}
	if left.HasMember("a") || !left.IsActive {
		t.Fatalf("unexpected room after leave: %+v", left)
	}

	if _, err := engine.Leave(ctx, room.Code, c); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
	if _, err := engine.Leave(ctx, "NOPE00", c); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	emptied, err := engine.LeaveCurrent(ctx, b)
	if err != nil {
		t.Fatalf("leave current b: %v", err)
	}
	if emptied == nil || len(emptied.Members) != 0 || emptied.IsActive {
		t.Fatalf("expected empty inactive room, got %+v", emptied)
	}

	none, err := engine.LeaveCurrent(ctx, c)
	if err != nil || none != nil {
		t.Fatalf("expected no room for unassigned client, got %v, %v", none, err)
	}

	// Inactive rooms are not offered to random assignment.
	d := newClient(t, st, "d")
	fresh, err := engine.AssignRandom(ctx, d, 4)
	if err != nil {
		t.Fatalf("assign d: %v", err)
	}
	if fresh.Code == room.Code {
		t.Fatalf("expected a new room instead of the emptied one")
	}
}

func TestRestoreKeepsJoinOrder(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := newClient(t, st, "a")
	b := newClient(t, st, "b")
	c := newClient(t, st, "c")

	room, err := engine.AssignRandom(ctx, a, 2)
	if err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, room.Code, b, 2); err != nil {
		t.Fatalf("join b: %v", err)
	}
	joinedAt := *a.JoinedAt

	if _, err := engine.Leave(ctx, room.Code, a); err != nil {
		t.Fatalf("leave a: %v", err)
	}
	restored, err := engine.Restore(ctx, room.Code, a, joinedAt)
	if err != nil {
		t.Fatalf("restore a: %v", err)
	}
	if len(restored.Members) != 2 || !restored.IsActive {
		t.Fatalf("unexpected room after restore: %+v", restored)
	}

	members, err := st.ListClientsInRoom(ctx, room.Code)
	if err != nil {
		t.Fatalf("ListClientsInRoom failed: %v", err)
	}
	if len(members) != 2 || members[0].ID != "a" || members[1].ID != "b" {
		t.Fatalf("expected a before b, got %v", members)
	}

	// Once the slot is taken the leave cannot be undone.
	if _, err := engine.Leave(ctx, room.Code, a); err != nil {
		t.Fatalf("leave a again: %v", err)
	}
	if _, err := engine.JoinByCode(ctx, room.Code, c, 2); err != nil {
		t.Fatalf("join c: %v", err)
	}
	if _, err := engine.Restore(ctx, room.Code, a, joinedAt); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if got := memberCount(t, st, room.Code); got != 2 {
		t.Fatalf("expected 2 members, got %d", got)
	}
}
