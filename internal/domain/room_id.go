package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var (
	roomIDAdjectives = []string{
		"quiet", "bright", "calm", "swift", "warm", "cool", "deep", "wide",
		"light", "dark", "soft", "bold", "fresh", "clear", "sharp", "smooth",
	}
	roomIDNouns = []string{
		"sun", "moon", "star", "wind", "wave", "fire", "snow", "rain",
		"cloud", "tree", "rock", "bird", "fish", "bear", "wolf", "deer",
	}
	roomIDNumberSpan = big.NewInt(9000)
)

// RoomIDGenerator produces candidate room ids; stores retry on collision.
type RoomIDGenerator func() (string, error)

// GenerateRoomID returns ids shaped like "quiet-sun-5821".
func GenerateRoomID() (string, error) {
	adjective, err := pick(roomIDAdjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(roomIDNouns)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, roomIDNumberSpan)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%d", adjective, noun, n.Int64()+1000), nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}
