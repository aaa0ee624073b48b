package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/keylock"
)

// memoryRoomStore keeps rooms in process. Stored rooms are never mutated in
// place: writers clone, change and swap under the room's lock, so readers can
// copy a stored pointer while holding only the map lock.
type memoryRoomStore struct {
	rooms map[string]*domain.Room // ID -> Room
	locks *keylock.KeyedMutex
	opts  options
	mu    *sync.RWMutex
}

func NewMemoryRoomStore(opts ...Option) domain.RoomStore {
	return &memoryRoomStore{
		rooms: make(map[string]*domain.Room),
		locks: keylock.New(),
		opts:  buildOptions(opts),
		mu:    &sync.RWMutex{},
	}
}

func (s *memoryRoomStore) lockRoom(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: lock room %s: %v", domain.ErrBackendUnavailable, id, err)
	}
	return unlock, nil
}

func (s *memoryRoomStore) load(id string) (*domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	return room, ok
}

func (s *memoryRoomStore) save(room *domain.Room) {
	s.mu.Lock()
	s.rooms[room.ID] = room
	s.mu.Unlock()
}

func (s *memoryRoomStore) delete(id string) {
	s.mu.Lock()
	delete(s.rooms, id)
	s.mu.Unlock()
}

// mutate runs fn on a private copy of the room and stores the copy when fn
// asks for it.
func (s *memoryRoomStore) mutate(ctx context.Context, id string, fn func(room *domain.Room) (store bool, err error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	unlock, err := s.lockRoom(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	stored, ok := s.load(id)
	if !ok {
		return domain.ErrRoomNotFound
	}

	room := stored.Clone()
	store, err := fn(room)
	if err != nil {
		return err
	}
	if store {
		s.save(room)
	}
	return nil
}

func (s *memoryRoomStore) CreateRoom(ctx context.Context, spec domain.CreateRoomSpec, host domain.Identity) (*domain.Room, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		id, err := s.opts.generateID()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}

		room, err := domain.NewRoom(id, spec, host, s.opts.now())
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if _, exists := s.rooms[id]; exists {
			s.mu.Unlock()
			continue
		}
		s.rooms[id] = room
		s.mu.Unlock()

		return room.Clone(), nil
	}

	return nil, domain.ErrRoomIDExhausted
}

func (s *memoryRoomStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, ok := s.load(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if room.IsExpired(s.opts.now()) {
		return nil, domain.ErrRoomExpired
	}
	return room.Clone(), nil
}

func (s *memoryRoomStore) JoinRoom(ctx context.Context, id string, identity domain.Identity, displayName string) (*domain.Room, error) {
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}

	var joined *domain.Room
	err := s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		if err := room.AddParticipant(identity, displayName, s.opts.now()); err != nil {
			return false, err
		}
		joined = room.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

func (s *memoryRoomStore) LeaveRoom(ctx context.Context, id string, userID string) (domain.LeaveResult, error) {
	var result domain.LeaveResult
	err := s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		res, err := room.Leave(userID)
		if err != nil {
			return false, err
		}
		result = res
		if res.Destroyed() {
			s.delete(id)
			return false, nil
		}
		return true, nil
	})
	return result, err
}

func (s *memoryRoomStore) Kick(ctx context.Context, id string, hostID string, targetID string) (bool, error) {
	var kicked bool
	err := s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		if room.IsExpired(s.opts.now()) {
			return false, domain.ErrRoomExpired
		}
		kicked = room.Kick(hostID, targetID)
		return kicked, nil
	})
	return kicked, err
}

func (s *memoryRoomStore) Lock(ctx context.Context, id string, hostID string) (bool, error) {
	var locked bool
	err := s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		if room.IsExpired(s.opts.now()) {
			return false, domain.ErrRoomExpired
		}
		locked = room.Lock(hostID)
		return locked, nil
	})
	return locked, err
}

func (s *memoryRoomStore) AppendMessage(ctx context.Context, id string, message domain.RoomMessage) error {
	return s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		if room.IsExpired(s.opts.now()) {
			return false, domain.ErrRoomExpired
		}
		if _, ok := room.Participant(message.SenderID); !ok {
			return false, domain.ErrParticipantNotFound
		}
		room.AppendMessage(message, s.opts.retention)
		return true, nil
	})
}

func (s *memoryRoomStore) Touch(ctx context.Context, id string, userID string) error {
	return s.mutate(ctx, id, func(room *domain.Room) (bool, error) {
		if !room.TouchParticipant(userID, s.opts.now()) {
			return false, domain.ErrParticipantNotFound
		}
		return true, nil
	})
}

func (s *memoryRoomStore) Destroy(ctx context.Context, id string) error {
	unlock, err := s.lockRoom(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.delete(id)
	return nil
}

func (s *memoryRoomStore) SweepExpired(ctx context.Context) ([]string, error) {
	now := s.opts.now()

	s.mu.RLock()
	var candidates []string
	for id, room := range s.rooms {
		if room.IsExpired(now) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	destroyed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		unlock, err := s.lockRoom(ctx, id)
		if err != nil {
			return destroyed, err
		}

		if room, ok := s.load(id); ok && room.IsExpired(now) {
			s.delete(id)
			destroyed = append(destroyed, id)
		}
		unlock()
	}

	return destroyed, nil
}

func (s *memoryRoomStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.StoreStats{TotalRooms: len(s.rooms)}
	for _, room := range s.rooms {
		stats.TotalParticipants += len(room.Participants)
	}
	return stats, nil
}
