package server

import (
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/rs/zerolog"
)

const (
	MetricActiveConnections = "active_connections"
	MetricOnlineUsers       = "online_users"
	MetricActiveRooms       = "active_rooms"
	MetricMessagesRouted    = "messages_routed"
	MetricMessagesDropped   = "messages_dropped"

	broadcastQueueSize = 1024
)

type stopReq struct {
	done chan struct{}
}

// Hub is the presence and room registry of a single process. Registry
// mutations happen under mu; fan-out is queued on broadcastChan and delivered
// by Run so publishers never wait on connections.
type Hub struct {
	log   zerolog.Logger
	stats stats.StatsProvider

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}
	clientRooms map[*Client]map[string]struct{}

	broadcastChan chan *ServerMessage
	stop          chan stopReq
}

func NewHub(logger zerolog.Logger, su stats.StatsProvider) *Hub {
	for _, name := range []string{
		MetricActiveConnections,
		MetricOnlineUsers,
		MetricActiveRooms,
		MetricMessagesRouted,
		MetricMessagesDropped,
	} {
		su.RegisterMetric(name)
	}

	return &Hub{
		log:           logger.With().Str("component", "hub").Logger(),
		stats:         su,
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		clientRooms:   make(map[*Client]map[string]struct{}),
		broadcastChan: make(chan *ServerMessage, broadcastQueueSize),
		stop:          make(chan stopReq),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case msg := <-h.broadcastChan:
			h.deliver(msg)
		case req := <-h.stop:
			h.log.Info().Msg("stopping hub")
			h.stopClients()
			close(req.done)
			return
		}
	}
}

// Shutdown stops Run and closes every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case h.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register tracks an authenticated connection and joins it to the user's
// private room. The first connection of a user announces it online.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.mu.Unlock()
		return
	}

	h.clients[c] = struct{}{}
	conns, ok := h.userMap[c.user.Id]
	if !ok {
		conns = make(map[*Client]struct{})
		h.userMap[c.user.Id] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	h.joinLocked(c, UserRoom(c.user.Id))
	h.mu.Unlock()

	h.stats.Incr(MetricActiveConnections)
	h.log.Debug().
		Str("client_id", c.id).
		Int("user_id", c.user.Id).
		Msg("registered connection")

	if first {
		h.stats.Incr(MetricOnlineUsers)
		h.broadcast(presenceMessage(c.user.Id, true))
	}
}

// Unregister removes a connection from every room it joined. When it was the
// user's last connection the user is announced offline.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.clients, c)
	for room := range h.clientRooms[c] {
		h.leaveLocked(c, room)
	}
	delete(h.clientRooms, c)

	last := false
	if conns, ok := h.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userMap, c.user.Id)
			last = true
		}
	}
	h.mu.Unlock()

	h.stats.Decr(MetricActiveConnections)
	h.log.Debug().
		Str("client_id", c.id).
		Int("user_id", c.user.Id).
		Msg("unregistered connection")

	if last {
		h.stats.Decr(MetricOnlineUsers)
		h.broadcast(presenceMessage(c.user.Id, false))
	}
}

// Join adds a registered connection to room. It reports whether the
// connection was not already in the room.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}

	return h.joinLocked(c, room)
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(c, room)
}

func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.rooms[room][c]
	return ok
}

// JoinUser adds every live connection of userId to room.
func (h *Hub) JoinUser(userId int, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.userMap[userId] {
		h.joinLocked(c, room)
	}
}

func (h *Hub) LeaveUser(userId int, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.userMap[userId] {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) IsOnline(userId int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.userMap[userId]) > 0
}

// OnlineUsers returns the ids of users with at least one live connection in
// ascending order.
func (h *Hub) OnlineUsers() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]int, 0, len(h.userMap))
	for id := range h.userMap {
		users = append(users, id)
	}
	slices.Sort(users)

	return users
}

func (h *Hub) joinLocked(c *Client, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
		h.stats.Incr(MetricActiveRooms)
	}
	if _, ok := members[c]; ok {
		return false
	}
	members[c] = struct{}{}

	joined, ok := h.clientRooms[c]
	if !ok {
		joined = make(map[string]struct{})
		h.clientRooms[c] = joined
	}
	joined[room] = struct{}{}

	return true
}

func (h *Hub) leaveLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}

	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		h.stats.Decr(MetricActiveRooms)
	}

	if joined, ok := h.clientRooms[c]; ok {
		delete(joined, room)
	}
}

// broadcast queues msg for delivery. A full queue drops the message.
func (h *Hub) broadcast(msg *ServerMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	select {
	case h.broadcastChan <- msg:
		return true
	default:
		h.stats.Incr(MetricMessagesDropped)
		h.log.Warn().
			Str("event", msg.Event).
			Strs("rooms", msg.Rooms).
			Msg("broadcast queue full, dropping message")
		return false
	}
}

func (h *Hub) deliver(msg *ServerMessage) {
	for _, c := range h.recipients(msg) {
		if !c.queueMessage(msg) {
			h.stats.Incr(MetricMessagesDropped)
		}
	}
}

// recipients resolves the connections msg is delivered to. A connection in
// several target rooms is returned once.
func (h *Hub) recipients(msg *ServerMessage) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	add := func(c *Client) {
		if msg.SkipUserId != 0 && c.user.Id == msg.SkipUserId {
			return
		}
		out = append(out, c)
	}

	if len(msg.Rooms) == 0 {
		for c := range h.clients {
			add(c)
		}
		return out
	}

	seen := make(map[*Client]struct{})
	for _, room := range msg.Rooms {
		for c := range h.rooms[room] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			add(c)
		}
	}

	return out
}

func (h *Hub) stopClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.stopClient()
	}
}
