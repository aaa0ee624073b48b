package domain_test

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func validSpec() domain.CreateRoomSpec {
	return domain.CreateRoomSpec{
		Name:            "Standup",
		Duration:        15,
		MaxParticipants: 2,
		HostName:        "Alice",
	}
}

func identity(id, name string) domain.Identity {
	return domain.Identity{UserID: id, Name: name}
}

func TestCreateRoomSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CreateRoomSpec)
		ok     bool
	}{
		{"valid", func(*domain.CreateRoomSpec) {}, true},
		{"name too short", func(s *domain.CreateRoomSpec) { s.Name = "a" }, false},
		{"name only spaces", func(s *domain.CreateRoomSpec) { s.Name = "    " }, false},
		{"name 50 chars", func(s *domain.CreateRoomSpec) { s.Name = strings.Repeat("x", 50) }, true},
		{"name 51 chars", func(s *domain.CreateRoomSpec) { s.Name = strings.Repeat("x", 51) }, false},
		{"duration not allowed", func(s *domain.CreateRoomSpec) { s.Duration = 45 }, false},
		{"duration 120", func(s *domain.CreateRoomSpec) { s.Duration = 120 }, true},
		{"one participant", func(s *domain.CreateRoomSpec) { s.MaxParticipants = 1 }, false},
		{"thirteen participants", func(s *domain.CreateRoomSpec) { s.MaxParticipants = 13 }, false},
		{"twelve participants", func(s *domain.CreateRoomSpec) { s.MaxParticipants = 12 }, true},
		{"host name too short", func(s *domain.CreateRoomSpec) { s.HostName = "A" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()

			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrValidationFailed)
		})
	}
}

func TestCreateRoomSpec_ValidateCollectsEveryProblem(t *testing.T) {
	spec := domain.CreateRoomSpec{Name: "x", Duration: 1, MaxParticipants: 40, HostName: ""}

	err := spec.Validate()

	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Len(t, vErr.Problems, 4)
}

func TestNewRoom(t *testing.T) {
	room, err := domain.NewRoom("quiet-sun-1234", validSpec(), identity("u1", "Alice"), t0)
	require.NoError(t, err)

	assert.Equal(t, "u1", room.HostID)
	assert.Equal(t, t0.Add(15*time.Minute), room.ExpiresAt)
	assert.Equal(t, []string{"Alice"}, room.Roster())
	assert.True(t, room.Participants[0].IsHost)
	assert.Equal(t, domain.DefaultMaxMessageLength, room.Settings.MaxMessageLength)
	assert.True(t, room.Settings.AllowGuests)
}

func TestNewRoom_SettingsOverride(t *testing.T) {
	spec := validSpec()
	maxLen := 80
	allowGuests := false
	spec.Settings = &domain.SettingsInput{MaxMessageLength: &maxLen, AllowGuests: &allowGuests}

	room, err := domain.NewRoom("r", spec, identity("u1", "Alice"), t0)
	require.NoError(t, err)

	assert.Equal(t, 80, room.Settings.MaxMessageLength)
	assert.False(t, room.Settings.AllowGuests)
}

func TestRoom_CheckJoinOrder(t *testing.T) {
	newRoom := func() *domain.Room {
		room, err := domain.NewRoom("r", validSpec(), identity("host", "Alice"), t0)
		require.NoError(t, err)
		return room
	}

	t.Run("expiry before lock", func(t *testing.T) {
		room := newRoom()
		room.IsLocked = true
		assert.ErrorIs(t, room.CheckJoin("bob", t0.Add(15*time.Minute)), domain.ErrRoomExpired)
	})

	t.Run("lock before capacity", func(t *testing.T) {
		room := newRoom()
		require.NoError(t, room.AddParticipant(identity("bob", "Bob"), "Bob", t0))
		room.IsLocked = true
		assert.ErrorIs(t, room.CheckJoin("carol", t0), domain.ErrRoomLocked)
	})

	t.Run("capacity before duplicate", func(t *testing.T) {
		room := newRoom()
		require.NoError(t, room.AddParticipant(identity("bob", "Bob"), "Bob", t0))
		assert.ErrorIs(t, room.CheckJoin("bob", t0), domain.ErrRoomFull)
	})

	t.Run("duplicate", func(t *testing.T) {
		room := newRoom()
		assert.ErrorIs(t, room.CheckJoin("host", t0), domain.ErrAlreadyInRoom)
	})
}

func TestRoom_CapacityNeverExceeded(t *testing.T) {
	for k := domain.MinParticipants; k <= domain.MaxParticipants; k++ {
		spec := validSpec()
		spec.MaxParticipants = k
		room, err := domain.NewRoom("r", spec, identity("host", "Host"), t0)
		require.NoError(t, err)

		for i := 1; i < k; i++ {
			require.NoError(t, room.AddParticipant(identity(fmt.Sprintf("u%d", i), "User"), "User", t0))
		}

		err = room.AddParticipant(identity("extra", "Extra"), "Extra", t0)
		assert.ErrorIs(t, err, domain.ErrRoomFull)
		assert.Len(t, room.Participants, k)
	}
}

func TestRoom_Leave(t *testing.T) {
	spec := validSpec()
	spec.MaxParticipants = 3
	room, err := domain.NewRoom("r", spec, identity("host", "Alice"), t0)
	require.NoError(t, err)
	require.NoError(t, room.AddParticipant(identity("bob", "Bob"), "Bob", t0))
	require.NoError(t, room.AddParticipant(identity("carol", "Carol"), "Carol", t0))

	res, err := room.Leave("bob")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaveUpdated, res.Outcome)
	assert.Equal(t, []string{"Alice", "Carol"}, res.Room.Roster())

	res, err = room.Leave("host")
	require.NoError(t, err)
	assert.True(t, res.Destroyed())
	assert.Equal(t, domain.CloseReasonHostLeft, res.Reason)

	_, err = room.Leave("nobody")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoom_KickAndLock(t *testing.T) {
	room, err := domain.NewRoom("r", validSpec(), identity("host", "Alice"), t0)
	require.NoError(t, err)
	require.NoError(t, room.AddParticipant(identity("bob", "Bob"), "Bob", t0))

	assert.False(t, room.Kick("bob", "host"), "non-host cannot kick")
	assert.False(t, room.Kick("host", "host"), "host cannot be kicked")
	assert.False(t, room.Kick("host", "ghost"))
	assert.False(t, room.Lock("bob"))
	assert.True(t, room.Kick("host", "bob"))
	assert.Equal(t, []string{"Alice"}, room.Roster())
	assert.True(t, room.Lock("host"))
	assert.True(t, room.IsLocked)
}

func TestRoom_AppendMessageRetention(t *testing.T) {
	room, err := domain.NewRoom("r", validSpec(), identity("host", "Alice"), t0)
	require.NoError(t, err)
	host, _ := room.Participant("host")

	for i := 0; i < 7; i++ {
		room.AppendMessage(domain.NewRoomMessage("r", host, fmt.Sprintf("m%d", i), t0.Add(time.Duration(i)*time.Second)), 5)
	}

	require.Len(t, room.Messages, 5)
	assert.Equal(t, "m2", room.Messages[0].Text)
	assert.Equal(t, "m6", room.Messages[4].Text)
	assert.Equal(t, t0.Add(6*time.Second), room.Participants[0].LastActivity)
}

func TestRoom_CloneIsDeep(t *testing.T) {
	room, err := domain.NewRoom("r", validSpec(), identity("host", "Alice"), t0)
	require.NoError(t, err)

	cpy := room.Clone()
	cpy.Participants[0].DisplayName = "Mallory"
	cpy.IsLocked = true

	assert.Equal(t, "Alice", room.Participants[0].DisplayName)
	assert.False(t, room.IsLocked)
}

func TestGenerateRoomID(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-[a-z]+-[1-9][0-9]{3}$`)
	for i := 0; i < 50; i++ {
		id, err := domain.GenerateRoomID()
		require.NoError(t, err)
		assert.Regexp(t, re, id)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Room is full", domain.Describe(fmt.Errorf("join: %w", domain.ErrRoomFull)))
	assert.Equal(t, "Room is locked", domain.Describe(domain.ErrRoomLocked))
	assert.Equal(t, "Already in room", domain.Describe(domain.ErrAlreadyInRoom))
	assert.Equal(t, "Token has expired", domain.Describe(domain.ErrTokenExpired))
	assert.True(t, errors.Is(domain.ErrTokenExpired, domain.ErrInvalidToken))
}
