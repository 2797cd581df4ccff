package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/metrics"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/store"
)

// Matchmaker places clients into rooms. Implemented by matchmaking.Engine.
type Matchmaker interface {
	JoinByCode(ctx context.Context, code string, client *store.Client, maxRoomSize int) (*store.Room, error)
	AssignRandom(ctx context.Context, client *store.Client, maxRoomSize int) (*store.Room, error)
	CreatePrivate(ctx context.Context, client *store.Client, maxRoomSize int) (*store.Room, error)
	Leave(ctx context.Context, code string, client *store.Client) (*store.Room, error)
	LeaveCurrent(ctx context.Context, client *store.Client) (*store.Room, error)
	CurrentRoom(ctx context.Context, client *store.Client) (*store.Room, error)
	Restore(ctx context.Context, code string, client *store.Client, joinedAt time.Time) (*store.Room, error)
}

// Presence maps connections to clients. Implemented by presence.Tracker.
type Presence interface {
	EnsureExists(ctx context.Context, connID string) (*store.Client, error)
	ResolveByConnection(ctx context.Context, connID string) (*store.Client, error)
	UpdateNatInfo(ctx context.Context, client *store.Client, ip string, port int) error
	Remove(ctx context.Context, clientID string) error
	EntryPoint(ctx context.Context, code, selfID string) (string, error)
	Participants(ctx context.Context, code string) ([]presence.Participant, error)
}

// Options carries the relay settings the hub hands out to clients.
type Options struct {
	StunServer      string
	TurnServer      string
	DefaultRoomSize int
	MaxRoomSize     int
}

// Hub routes commands from connected clients and fans events out to them.
// Room membership is always read from the store; the hub only keeps the
// connection registry needed to reach a client's event queue.
type Hub struct {
	matcher  Matchmaker
	presence Presence
	opts     Options
	log      *zerolog.Logger
	metrics  *metrics.Metrics

	register chan *Client
	done     chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

// NewHub creates a hub. logger and m may be nil.
func NewHub(matcher Matchmaker, p Presence, opts Options, logger *zerolog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.DefaultRoomSize <= 0 {
		opts.DefaultRoomSize = 4
	}
	if opts.MaxRoomSize < opts.DefaultRoomSize {
		opts.MaxRoomSize = opts.DefaultRoomSize
	}
	return &Hub{
		matcher:  matcher,
		presence: p,
		opts:     opts,
		log:      logger,
		metrics:  m,
		register: make(chan *Client),
		done:     make(chan struct{}),
		clients:  make(map[string]*Client),
	}
}

// Run accepts client registrations until ctx is cancelled, then waits for
// every session to finish its disconnect cleanup.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.start(ctx, c)
		case <-ctx.Done():
			close(h.done)
			h.wg.Wait()
			h.log.Info().Msg("hub stopped")
			return
		}
	}
}

// RegisterClient hands a new connection to the hub. If the hub has already
// stopped, the client is finished immediately.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Events)
		close(c.done)
	}
}

// UnregisterClient asks the hub to end the session. It returns once the
// disconnect is queued; wait on c.Done() for the cleanup itself.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case c.Commands <- &Command{Kind: CommandDisconnect}:
	case <-c.done:
	}
}

// Connected returns the number of registered connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) start(ctx context.Context, c *Client) {
	h.mu.Lock()
	h.clients[c.ConnID] = c
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.wg.Add(1)
	go h.serve(ctx, c)
}

// serve drains the client's command queue in order. Commands run on a context
// that is not cancelled on shutdown so that each one completes.
func (h *Hub) serve(ctx context.Context, c *Client) {
	defer h.wg.Done()
	defer h.finish(c)

	opCtx := context.WithoutCancel(ctx)
	h.dispatch(opCtx, c, nil)

	for {
		select {
		case cmd := <-c.Commands:
			if cmd == nil {
				continue
			}
			h.dispatch(opCtx, c, cmd)
			if cmd.Kind == CommandDisconnect {
				return
			}
		case <-ctx.Done():
			h.dispatch(opCtx, c, &Command{Kind: CommandDisconnect})
			return
		}
	}
}

func (h *Hub) finish(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ConnID)
	h.mu.Unlock()

	// No deliver can be in flight once the client is out of the registry.
	close(c.Events)
	close(c.done)
	h.metrics.ConnectionClosed()
}

// dispatch runs one command. A nil command is the connect hook.
func (h *Hub) dispatch(ctx context.Context, c *Client, cmd *Command) {
	name := "connect"
	if cmd != nil {
		name = cmd.Kind.String()
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("conn_id", c.ConnID).
				Str("command", name).
				Interface("panic", r).
				Msg("command panicked")
			h.send(c, errorEvent(coreError(ErrCodeInternal, "internal error")))
		}
	}()

	var err error
	if cmd == nil {
		err = h.handleConnect(ctx, c)
	} else {
		err = h.handle(ctx, c, cmd)
	}
	if err == nil {
		return
	}

	ce := toCoreError(err)
	if ce.Code == ErrCodeInternal {
		h.log.Error().Err(err).Str("conn_id", c.ConnID).Str("command", name).Msg("command failed")
	} else {
		h.log.Debug().Err(err).Str("conn_id", c.ConnID).Str("command", name).Msg("command rejected")
	}
	// The socket is gone on disconnect; nobody is left to tell.
	if cmd == nil || cmd.Kind != CommandDisconnect {
		h.send(c, errorEvent(ce))
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, cmd *Command) error {
	switch cmd.Kind {
	case CommandJoinRoom, CommandJoinRandom, CommandCreatePrivate:
		return h.handleJoin(ctx, c, cmd)
	case CommandLeaveRoom:
		return h.handleLeave(ctx, c, cmd)
	case CommandSendRoomMessage:
		return h.handleMessage(ctx, c, cmd)
	case CommandNatInfo:
		return h.handleNatInfo(ctx, c, cmd)
	case CommandOffer, CommandAnswer, CommandIceCandidate:
		h.handleSignal(c, cmd)
		return nil
	case CommandRequestStun:
		h.send(c, &Event{Kind: EventStunServer, Address: h.opts.StunServer})
		return nil
	case CommandP2PFailure:
		if h.opts.TurnServer == "" {
			return coreError(ErrCodeTurnUnavailable, "no turn server configured")
		}
		h.log.Info().Str("conn_id", c.ConnID).Str("room", cmd.Room).Msg("peer link failed, offering turn")
		h.send(c, &Event{Kind: EventTurnServer, Room: cmd.Room, Address: h.opts.TurnServer})
		return nil
	case CommandDisconnect:
		return h.handleDisconnect(ctx, c)
	default:
		return coreError(ErrCodeBadRequest, "unknown command")
	}
}

func (h *Hub) handleConnect(ctx context.Context, c *Client) error {
	client, err := h.presence.EnsureExists(ctx, c.ConnID)
	if err != nil {
		return fmt.Errorf("ensure client: %w", err)
	}

	h.log.Info().Str("conn_id", c.ConnID).Str("client_id", client.ID).Msg("client connected")
	h.send(c, &Event{
		Kind:     EventConnected,
		ConnID:   c.ConnID,
		ClientID: client.ID,
		User:     client.DisplayName(),
	})
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, cmd *Command) error {
	size, err := h.roomSize(cmd.MaxPlayers)
	if err != nil {
		return err
	}
	if cmd.Kind == CommandJoinRoom && cmd.Room == "" {
		return coreError(ErrCodeBadRequest, "room is required")
	}

	client, err := h.presence.EnsureExists(ctx, c.ConnID)
	if err != nil {
		return fmt.Errorf("ensure client: %w", err)
	}

	current, err := h.matcher.CurrentRoom(ctx, client)
	if err != nil {
		return err
	}

	// Leaving first frees the client for the new room. The old room hears
	// about it only once the new join has committed.
	var left *store.Room
	var joinedAt time.Time
	if current != nil {
		if cmd.Kind == CommandJoinRoom && current.Code == cmd.Room {
			return coreError(ErrCodeAlreadyJoined, "already joined")
		}
		joinedAt = memberJoinedAt(current, client.ID)
		if left, err = h.matcher.Leave(ctx, current.Code, client); err != nil {
			return err
		}
	}

	var room *store.Room
	switch cmd.Kind {
	case CommandJoinRoom:
		room, err = h.matcher.JoinByCode(ctx, cmd.Room, client, size)
	case CommandJoinRandom:
		room, err = h.matcher.AssignRandom(ctx, client, size)
	default:
		room, err = h.matcher.CreatePrivate(ctx, client, size)
	}
	if err != nil {
		if left != nil {
			h.restore(ctx, c, client, left, joinedAt)
		}
		return err
	}

	if left != nil {
		if err := h.notifyLeft(ctx, c, client, left); err != nil {
			h.log.Warn().Err(err).Str("conn_id", c.ConnID).Str("room", left.Code).Msg("notify previous room failed")
		}
	}

	participants, err := h.presence.Participants(ctx, room.Code)
	if err != nil {
		return err
	}
	h.broadcast(participants, "", &Event{
		Kind:   EventUserJoined,
		Room:   room.Code,
		User:   client.DisplayName(),
		ConnID: c.ConnID,
	})
	h.broadcast(participants, "", &Event{Kind: EventParticipants, Room: room.Code, Participants: participants})

	entry, err := h.presence.EntryPoint(ctx, room.Code, client.ID)
	if err != nil {
		return err
	}
	h.send(c, &Event{
		Kind: EventWelcome,
		Room: room.Code,
		Welcome: &Welcome{
			MaxPlayers: room.MaxPlayers,
			Private:    room.IsPrivate,
			EntryPoint: entry,
		},
	})
	return nil
}

// restore undoes the leave of a room switch whose join failed. If the old
// slot is gone the leave stands and the room is told.
func (h *Hub) restore(ctx context.Context, c *Client, client *store.Client, room *store.Room, joinedAt time.Time) {
	_, err := h.matcher.Restore(ctx, room.Code, client, joinedAt)
	if err == nil {
		return
	}
	h.log.Warn().Err(err).Str("conn_id", c.ConnID).Str("room", room.Code).Msg("restore previous room failed")
	if err := h.notifyLeft(ctx, c, client, room); err != nil {
		h.log.Warn().Err(err).Str("conn_id", c.ConnID).Str("room", room.Code).Msg("notify previous room failed")
	}
}

func memberJoinedAt(room *store.Room, clientID string) time.Time {
	for _, m := range room.Members {
		if m.ID == clientID && m.JoinedAt != nil {
			return *m.JoinedAt
		}
	}
	return time.Time{}
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, cmd *Command) error {
	if cmd.Room == "" {
		return coreError(ErrCodeBadRequest, "room is required")
	}
	client, err := h.presence.ResolveByConnection(ctx, c.ConnID)
	if err != nil {
		return h.missingClient(err)
	}

	// The leaver hears about it too, as confirmation.
	if err := h.leave(ctx, c, client, cmd.Room); err != nil {
		return err
	}
	h.send(c, &Event{Kind: EventUserLeft, Room: cmd.Room, User: client.DisplayName(), ConnID: c.ConnID})
	return nil
}

// leave removes the client from the room and notifies the remaining members.
func (h *Hub) leave(ctx context.Context, c *Client, client *store.Client, code string) error {
	room, err := h.matcher.Leave(ctx, code, client)
	if err != nil {
		return err
	}
	return h.notifyLeft(ctx, c, client, room)
}

func (h *Hub) notifyLeft(ctx context.Context, c *Client, client *store.Client, room *store.Room) error {
	participants, err := h.presence.Participants(ctx, room.Code)
	if err != nil {
		return err
	}
	h.broadcast(participants, "", &Event{
		Kind:   EventUserLeft,
		Room:   room.Code,
		User:   client.DisplayName(),
		ConnID: c.ConnID,
	})
	h.broadcast(participants, "", &Event{Kind: EventParticipants, Room: room.Code, Participants: participants})
	return nil
}

func (h *Hub) handleDisconnect(ctx context.Context, c *Client) error {
	client, err := h.presence.ResolveByConnection(ctx, c.ConnID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve client: %w", err)
	}

	room, err := h.matcher.LeaveCurrent(ctx, client)
	if err != nil {
		// Removing the client below still drops its membership row.
		h.log.Warn().Err(err).Str("conn_id", c.ConnID).Msg("leave on disconnect failed")
	} else if room != nil {
		if err := h.notifyLeft(ctx, c, client, room); err != nil {
			h.log.Warn().Err(err).Str("conn_id", c.ConnID).Str("room", room.Code).Msg("notify on disconnect failed")
		}
	}

	if err := h.presence.Remove(ctx, client.ID); err != nil {
		return fmt.Errorf("remove client: %w", err)
	}
	h.log.Info().Str("conn_id", c.ConnID).Str("client_id", client.ID).Msg("client disconnected")
	return nil
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, cmd *Command) error {
	client, err := h.presence.ResolveByConnection(ctx, c.ConnID)
	if err != nil {
		return h.missingClient(err)
	}
	participants, err := h.members(ctx, c, cmd.Room)
	if err != nil {
		return err
	}

	msg := cmd.Message
	msg.Room = cmd.Room
	msg.From = c.ConnID
	msg.User = client.DisplayName()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	h.broadcast(participants, "", &Event{Kind: EventRoomMessage, Room: cmd.Room, Message: msg})
	return nil
}

func (h *Hub) handleNatInfo(ctx context.Context, c *Client, cmd *Command) error {
	client, err := h.presence.ResolveByConnection(ctx, c.ConnID)
	if err != nil {
		return h.missingClient(err)
	}
	participants, err := h.members(ctx, c, cmd.Room)
	if err != nil {
		return err
	}

	if err := h.presence.UpdateNatInfo(ctx, client, cmd.NatInfo.PublicIP, cmd.NatInfo.PublicPort); err != nil {
		return fmt.Errorf("update nat info: %w", err)
	}

	info := cmd.NatInfo
	h.broadcast(participants, c.ConnID, &Event{
		Kind:    EventNatInfo,
		Room:    cmd.Room,
		ConnID:  c.ConnID,
		NatInfo: &info,
	})
	return nil
}

// handleSignal relays a negotiation message to a single connection. Unknown
// targets are dropped silently.
func (h *Hub) handleSignal(c *Client, cmd *Command) {
	kind := EventOffer
	switch cmd.Kind {
	case CommandAnswer:
		kind = EventAnswer
	case CommandIceCandidate:
		kind = EventIceCandidate
	}

	ok := h.deliver(cmd.Target, &Event{
		Kind:    kind,
		Room:    cmd.Room,
		ConnID:  c.ConnID,
		Payload: cmd.Payload,
	})
	if !ok {
		h.log.Debug().Str("conn_id", c.ConnID).Str("target", cmd.Target).Msg("signal target not connected")
		return
	}
	h.metrics.Relayed(cmd.Kind.String())
}

// members returns the participants of the room, failing when the caller is
// not one of them.
func (h *Hub) members(ctx context.Context, c *Client, code string) ([]presence.Participant, error) {
	if code == "" {
		return nil, coreError(ErrCodeBadRequest, "room is required")
	}
	participants, err := h.presence.Participants(ctx, code)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.ConnectionID == c.ConnID {
			return participants, nil
		}
	}
	return nil, coreError(ErrCodeNotInRoom, "not in room")
}

func (h *Hub) roomSize(requested int) (int, error) {
	switch {
	case requested == 0:
		return h.opts.DefaultRoomSize, nil
	case requested < 0 || requested > h.opts.MaxRoomSize:
		return 0, coreError(ErrCodeBadRequest, fmt.Sprintf("max_players must be between 1 and %d", h.opts.MaxRoomSize))
	default:
		return requested, nil
	}
}

func (h *Hub) missingClient(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return coreError(ErrCodeNotInRoom, "not in room")
	}
	return fmt.Errorf("resolve client: %w", err)
}

func (h *Hub) broadcast(participants []presence.Participant, except string, event *Event) {
	for _, p := range participants {
		if p.ConnectionID == "" || p.ConnectionID == except {
			continue
		}
		h.deliver(p.ConnectionID, event)
	}
}

// send delivers an event to the client itself.
func (h *Hub) send(c *Client, event *Event) {
	h.deliver(c.ConnID, event)
}

// deliver queues the event for the connection without blocking. Slow consumers
// lose events rather than stall the sender.
func (h *Hub) deliver(connID string, event *Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.Events <- event:
		return true
	default:
		h.log.Warn().Str("conn_id", connID).Int("event", int(event.Kind)).Msg("event queue full, dropping")
		return false
	}
}
