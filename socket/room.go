package socket

import (
	"errors"
	"sort"
	"sync"
	"unicode/utf8"
)

const MaxRoomNameLength = 100

var (
	ErrRoomNameEmpty   = errors.New("room name cannot be empty")
	ErrRoomNameTooLong = errors.New("room name exceeds maximum length")
	ErrRoomNameInvalid = errors.New("room name contains invalid characters")
)

func ValidateRoomName(name string) error {
	if name == "" {
		return ErrRoomNameEmpty
	}
	if len(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrRoomNameInvalid
	}
	return nil
}

type room struct {
	name    string
	members map[string]Socket
}

// RoomManager tracks room membership for one namespace. Both directions of
// the index are guarded by a single lock, so a session is listed in a room
// exactly when the room is listed for the session.
type RoomManager struct {
	mu          sync.RWMutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{}
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds s to the named room, creating it if needed. It reports whether
// the membership is new. A socket that is no longer connected is refused.
func (rm *RoomManager) Join(s Socket, name string) (bool, error) {
	if err := ValidateRoomName(name); err != nil {
		return false, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// A closed session has already left every room or is about to, since
	// close flips the state before LeaveAll takes the lock.
	if !s.IsConnected() {
		return false, ErrConnectionClosed
	}

	r, exists := rm.rooms[name]
	if !exists {
		r = &room{name: name, members: make(map[string]Socket)}
		rm.rooms[name] = r
	}
	if _, member := r.members[s.ID()]; member {
		return false, nil
	}

	r.members[s.ID()] = s
	set := rm.memberships[s.ID()]
	if set == nil {
		set = make(map[string]struct{})
		rm.memberships[s.ID()] = set
	}
	set[name] = struct{}{}
	return true, nil
}

// Leave removes the socket from the room. An emptied room is destroyed.
func (rm *RoomManager) Leave(socketID, name string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.leaveLocked(socketID, name)
}

func (rm *RoomManager) leaveLocked(socketID, name string) bool {
	r, exists := rm.rooms[name]
	if !exists {
		return false
	}
	if _, member := r.members[socketID]; !member {
		return false
	}

	delete(r.members, socketID)
	if len(r.members) == 0 {
		delete(rm.rooms, name)
	}

	if set := rm.memberships[socketID]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(rm.memberships, socketID)
		}
	}
	return true
}

// LeaveAll removes the socket from every room and returns the rooms it left.
func (rm *RoomManager) LeaveAll(socketID string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	set := rm.memberships[socketID]
	left := make([]string, 0, len(set))
	for name := range set {
		left = append(left, name)
	}
	for _, name := range left {
		rm.leaveLocked(socketID, name)
	}

	sort.Strings(left)
	return left
}

// Close evicts every member and destroys the room.
func (rm *RoomManager) Close(name string) ([]Socket, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	r, exists := rm.rooms[name]
	if !exists {
		return nil, &NotFoundError{Room: name}
	}

	removed := make([]Socket, 0, len(r.members))
	for id, s := range r.members {
		removed = append(removed, s)
		if set := rm.memberships[id]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(rm.memberships, id)
			}
		}
	}
	delete(rm.rooms, name)

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID() < removed[j].ID() })
	return removed, nil
}

func (rm *RoomManager) Members(name string) []Socket {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	r, exists := rm.rooms[name]
	if !exists {
		return nil
	}

	sockets := make([]Socket, 0, len(r.members))
	for _, s := range r.members {
		sockets = append(sockets, s)
	}
	return sockets
}

func (rm *RoomManager) HasRoom(name string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, exists := rm.rooms[name]
	return exists
}

func (rm *RoomManager) IsMember(socketID, name string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, member := rm.memberships[socketID][name]
	return member
}

func (rm *RoomManager) RoomsOf(socketID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	set := rm.memberships[socketID]
	rooms := make([]string, 0, len(set))
	for name := range set {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)
	return rooms
}

func (rm *RoomManager) Rooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)
	return rooms
}

// Count returns the number of members in the room, zero if it is absent.
func (rm *RoomManager) Count(name string) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if r, exists := rm.rooms[name]; exists {
		return len(r.members)
	}
	return 0
}
