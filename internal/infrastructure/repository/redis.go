package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	roomsIndexKey = "rooms"
	maxTxRetries  = 8
)

func roomKey(id string) string         { return fmt.Sprintf("room:%s", id) }
func participantsKey(id string) string { return fmt.Sprintf("room:%s:participants", id) }
func messagesKey(id string) string     { return fmt.Sprintf("room:%s:messages", id) }

// roomRecord is the room without its roster and message buffer, which live
// under their own keys.
type roomRecord struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	HostID          string              `json:"hostId"`
	MaxParticipants int                 `json:"maxParticipants"`
	Duration        time.Duration       `json:"duration"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
	IsLocked        bool                `json:"isLocked"`
	Settings        domain.RoomSettings `json:"settings"`
}

func toRecord(r *domain.Room) roomRecord {
	return roomRecord{
		ID:              r.ID,
		Name:            r.Name,
		HostID:          r.HostID,
		MaxParticipants: r.MaxParticipants,
		Duration:        r.Duration,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		IsLocked:        r.IsLocked,
		Settings:        r.Settings,
	}
}

func (rec roomRecord) room(participants []domain.Participant, messages []domain.RoomMessage) *domain.Room {
	return &domain.Room{
		ID:              rec.ID,
		Name:            rec.Name,
		HostID:          rec.HostID,
		MaxParticipants: rec.MaxParticipants,
		Duration:        rec.Duration,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		IsLocked:        rec.IsLocked,
		Settings:        rec.Settings,
		Participants:    participants,
		Messages:        messages,
	}
}

type redisRoomStore struct {
	client *redis.Client
	tracer trace.Tracer
	opts   options
}

// NewRedisRoomStore keeps rooms in Redis so several coordinator processes can
// share them. Every key of a room expires at the room's expiresAt.
func NewRedisRoomStore(client *redis.Client, tracer trace.Tracer, opts ...Option) domain.RoomStore {
	if tracer == nil {
		tracer = otel.Tracer("repository")
	}
	return &redisRoomStore{
		client: client,
		tracer: tracer,
		opts:   buildOptions(opts),
	}
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrBackendUnavailable, op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Describe(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// read loads the full room. A missing record yields ErrRoomNotFound.
func (s *redisRoomStore) read(ctx context.Context, c redis.Cmdable, id string) (*domain.Room, error) {
	var (
		recordCmd       *redis.StringCmd
		participantsCmd *redis.StringCmd
		messagesCmd     *redis.StringSliceCmd
	)
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		recordCmd = pipe.Get(ctx, roomKey(id))
		participantsCmd = pipe.Get(ctx, participantsKey(id))
		messagesCmd = pipe.LRange(ctx, messagesKey(id), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, backendErr("read room", err)
	}

	raw, err := recordCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, backendErr("read room", err)
	}

	var rec roomRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, backendErr("decode room", err)
	}

	participants := []domain.Participant{}
	if raw, err := participantsCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &participants); err != nil {
			return nil, backendErr("decode participants", err)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, backendErr("read participants", err)
	}

	entries, err := messagesCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, backendErr("read messages", err)
	}
	messages := make([]domain.RoomMessage, 0, len(entries))
	for _, entry := range entries {
		var msg domain.RoomMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, backendErr("decode message", err)
		}
		messages = append(messages, msg)
	}

	return rec.room(participants, messages), nil
}

// writeRoom queues the record and roster, re-applying the unchanged expiry.
func writeRoom(ctx context.Context, pipe redis.Pipeliner, room *domain.Room) error {
	record, err := json.Marshal(toRecord(room))
	if err != nil {
		return err
	}
	roster, err := json.Marshal(room.Participants)
	if err != nil {
		return err
	}

	pipe.Set(ctx, roomKey(room.ID), record, 0)
	pipe.Set(ctx, participantsKey(room.ID), roster, 0)
	pipe.PExpireAt(ctx, roomKey(room.ID), room.ExpiresAt)
	pipe.PExpireAt(ctx, participantsKey(room.ID), room.ExpiresAt)
	return nil
}

func deleteRoom(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.Del(ctx, roomKey(id), participantsKey(id), messagesKey(id))
	pipe.SRem(ctx, roomsIndexKey, id)
}

// mutation is applied inside a WATCH transaction. It returns the commands to
// queue, or nil to leave the room untouched.
type mutation func(room *domain.Room) (func(pipe redis.Pipeliner) error, error)

func (s *redisRoomStore) update(ctx context.Context, id string, fn mutation) error {
	txf := func(tx *redis.Tx) error {
		room, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}

		queue, err := fn(room)
		if err != nil || queue == nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, queue)
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, roomKey(id), participantsKey(id), messagesKey(id))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrBackendUnavailable), isDomainErr(err):
			return err
		default:
			return backendErr("update room", err)
		}
	}

	return fmt.Errorf("%w: room %s: too many concurrent writers", domain.ErrBackendUnavailable, id)
}

func isDomainErr(err error) bool {
	for _, target := range []error{
		domain.ErrValidationFailed,
		domain.ErrRoomNotFound,
		domain.ErrRoomExpired,
		domain.ErrRoomLocked,
		domain.ErrRoomFull,
		domain.ErrAlreadyInRoom,
		domain.ErrParticipantNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *redisRoomStore) CreateRoom(ctx context.Context, spec domain.CreateRoomSpec, host domain.Identity) (_ *domain.Room, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.CreateRoom")
	defer func() { endSpan(span, err) }()

	if err := spec.Validate(); err != nil {
		return nil, err
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

		record, err := json.Marshal(toRecord(room))
		if err != nil {
			return nil, backendErr("encode room", err)
		}

		created, err := s.client.SetNX(ctx, roomKey(id), record, 0).Result()
		if err != nil {
			return nil, backendErr("create room", err)
		}
		if !created {
			span.AddEvent("room id collision", trace.WithAttributes(attribute.String("room.id", id)))
			continue
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := writeRoom(ctx, pipe, room); err != nil {
				return err
			}
			pipe.SAdd(ctx, roomsIndexKey, id)
			return nil
		})
		if err != nil {
			s.client.Del(context.WithoutCancel(ctx), roomKey(id), participantsKey(id))
			return nil, backendErr("create room", err)
		}

		span.SetAttributes(
			attribute.String("room.id", id),
			attribute.Int("room.max_participants", room.MaxParticipants),
		)
		return room, nil
	}

	return nil, domain.ErrRoomIDExhausted
}

func (s *redisRoomStore) GetRoom(ctx context.Context, id string) (_ *domain.Room, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.GetRoom", trace.WithAttributes(attribute.String("room.id", id)))
	defer func() { endSpan(span, err) }()

	room, err := s.read(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if room.IsExpired(s.opts.now()) {
		return nil, domain.ErrRoomExpired
	}
	return room, nil
}

func (s *redisRoomStore) JoinRoom(ctx context.Context, id string, identity domain.Identity, displayName string) (_ *domain.Room, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.JoinRoom", trace.WithAttributes(
		attribute.String("room.id", id),
		attribute.String("user.id", identity.UserID),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}

	var joined *domain.Room
	err = s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
		if err := room.AddParticipant(identity, displayName, s.opts.now()); err != nil {
			return nil, err
		}
		joined = room
		return func(pipe redis.Pipeliner) error {
			return writeRoom(ctx, pipe, room)
		}, nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("room.participants", len(joined.Participants)))
	return joined.Clone(), nil
}

func (s *redisRoomStore) LeaveRoom(ctx context.Context, id string, userID string) (_ domain.LeaveResult, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.LeaveRoom", trace.WithAttributes(
		attribute.String("room.id", id),
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	var result domain.LeaveResult
	err = s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
		res, err := room.Leave(userID)
		if err != nil {
			return nil, err
		}
		result = res
		if res.Destroyed() {
			return func(pipe redis.Pipeliner) error {
				deleteRoom(ctx, pipe, id)
				return nil
			}, nil
		}
		return func(pipe redis.Pipeliner) error {
			return writeRoom(ctx, pipe, room)
		}, nil
	})

	span.SetAttributes(attribute.String("room.leave_outcome", string(result.Outcome)))
	return result, err
}

// hostAction runs a host-only change and stores the room when it applied.
func (s *redisRoomStore) hostAction(ctx context.Context, id string, apply func(room *domain.Room) bool) (bool, error) {
	var applied bool
	err := s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
		if room.IsExpired(s.opts.now()) {
			return nil, domain.ErrRoomExpired
		}
		if applied = apply(room); !applied {
			return nil, nil
		}
		return func(pipe redis.Pipeliner) error {
			return writeRoom(ctx, pipe, room)
		}, nil
	})
	return applied, err
}

func (s *redisRoomStore) Kick(ctx context.Context, id string, hostID string, targetID string) (_ bool, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.Kick", trace.WithAttributes(
		attribute.String("room.id", id),
		attribute.String("target.id", targetID),
	))
	defer func() { endSpan(span, err) }()

	return s.hostAction(ctx, id, func(room *domain.Room) bool {
		return room.Kick(hostID, targetID)
	})
}

func (s *redisRoomStore) Lock(ctx context.Context, id string, hostID string) (_ bool, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.Lock", trace.WithAttributes(attribute.String("room.id", id)))
	defer func() { endSpan(span, err) }()

	return s.hostAction(ctx, id, func(room *domain.Room) bool {
		return room.Lock(hostID)
	})
}

func (s *redisRoomStore) AppendMessage(ctx context.Context, id string, message domain.RoomMessage) (err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.AppendMessage", trace.WithAttributes(
		attribute.String("room.id", id),
		attribute.String("message.id", message.ID),
	))
	defer func() { endSpan(span, err) }()

	entry, err := json.Marshal(message)
	if err != nil {
		return backendErr("encode message", err)
	}

	retention := int64(s.opts.retention)
	return s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
		if room.IsExpired(s.opts.now()) {
			return nil, domain.ErrRoomExpired
		}
		if !room.TouchParticipant(message.SenderID, message.Timestamp) {
			return nil, domain.ErrParticipantNotFound
		}
		return func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, messagesKey(id), entry)
			pipe.LTrim(ctx, messagesKey(id), -retention, -1)
			pipe.PExpireAt(ctx, messagesKey(id), room.ExpiresAt)
			return writeRoom(ctx, pipe, room)
		}, nil
	})
}

func (s *redisRoomStore) Touch(ctx context.Context, id string, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.Touch", trace.WithAttributes(attribute.String("room.id", id)))
	defer func() { endSpan(span, err) }()

	return s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
		if !room.TouchParticipant(userID, s.opts.now()) {
			return nil, domain.ErrParticipantNotFound
		}
		return func(pipe redis.Pipeliner) error {
			return writeRoom(ctx, pipe, room)
		}, nil
	})
}

func (s *redisRoomStore) Destroy(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.Destroy", trace.WithAttributes(attribute.String("room.id", id)))
	defer func() { endSpan(span, err) }()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleteRoom(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return backendErr("destroy room", err)
	}
	return nil
}

// SweepExpired also reports rooms whose keys Redis already expired, so their
// local connections still hear about the closure.
func (s *redisRoomStore) SweepExpired(ctx context.Context) (_ []string, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.SweepExpired")
	defer func() { endSpan(span, err) }()

	ids, err := s.client.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return nil, backendErr("list rooms", err)
	}
	slices.Sort(ids)

	now := s.opts.now()
	destroyed := make([]string, 0)
	for _, id := range ids {
		var expired bool
		err := s.update(ctx, id, func(room *domain.Room) (func(redis.Pipeliner) error, error) {
			if !room.IsExpired(now) {
				return nil, nil
			}
			expired = true
			return func(pipe redis.Pipeliner) error {
				deleteRoom(ctx, pipe, id)
				return nil
			}, nil
		})
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			if err := s.client.SRem(ctx, roomsIndexKey, id).Err(); err != nil {
				return destroyed, backendErr("unindex room", err)
			}
			s.client.Del(ctx, participantsKey(id), messagesKey(id))
			expired = true
		case err != nil:
			return destroyed, err
		}
		if expired {
			destroyed = append(destroyed, id)
		}
	}

	span.SetAttributes(
		attribute.Int("rooms.scanned", len(ids)),
		attribute.Int("rooms.destroyed", len(destroyed)),
	)
	return destroyed, nil
}

func (s *redisRoomStore) Stats(ctx context.Context) (_ domain.StoreStats, err error) {
	ctx, span := s.tracer.Start(ctx, "roomStore.Stats")
	defer func() { endSpan(span, err) }()

	ids, err := s.client.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return domain.StoreStats{}, backendErr("list rooms", err)
	}

	var stats domain.StoreStats
	for _, id := range ids {
		raw, err := s.client.Get(ctx, participantsKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return domain.StoreStats{}, backendErr("read participants", err)
		}

		var participants []domain.Participant
		if err := json.Unmarshal(raw, &participants); err != nil {
			return domain.StoreStats{}, backendErr("decode participants", err)
		}
		stats.TotalRooms++
		stats.TotalParticipants += len(participants)
	}
	return stats, nil
}
