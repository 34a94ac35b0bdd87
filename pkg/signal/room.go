package signal

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

var adjectives = []string{
	"QUICK", "LAZY", "HAPPY", "CALM", "BRAVE",
	"BRIGHT", "COOL", "DARK", "EAGER", "FAIR",
	"GENTLE", "GRAND", "GREAT", "GREEN", "BLUE",
	"RED", "GOLD", "SILVER", "WARM", "WILD",
	"BOLD", "CLEAN", "CLEAR", "CRISP", "DEEP",
}

var nouns = []string{
	"FROG", "TIGER", "RIVER", "CLOUD", "STONE",
	"LEAF", "BIRD", "FISH", "WOLF", "BEAR",
	"HAWK", "DEER", "LION", "EAGLE", "WHALE",
	"PANDA", "KOALA", "OTTER", "SNAKE", "SHARK",
	"TREE", "LAKE", "MOON", "STAR", "WAVE",
}

// RoomDescriptor identifies the signaling namespace a client joins.
type RoomDescriptor struct {
	ServerURL string
	RoomID    string
	ClientID  string
}

// Validate reports the first empty field, if any.
func (d RoomDescriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.ServerURL) == "":
		return errors.New("room: server URL is empty")
	case strings.TrimSpace(d.RoomID) == "":
		return errors.New("room: room id is empty")
	case strings.TrimSpace(d.ClientID) == "":
		return errors.New("room: client id is empty")
	}
	return nil
}

// Address returns the relay endpoint for this client: {server}/{room}/{client}.
func (d RoomDescriptor) Address() string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(d.ServerURL, "/"), d.RoomID, d.ClientID)
}

// GenerateClientID returns a fresh client identity like "peer-1a2b3c4d".
func GenerateClientID() string {
	return "peer-" + uuid.NewString()[:8]
}

// GenerateRoomCode creates a memorable room code in ADJECTIVE-NOUN-NN format
func GenerateRoomCode() string {
	adj := adjectives[rand.IntN(len(adjectives))]
	noun := nouns[rand.IntN(len(nouns))]
	num := rand.IntN(100)
	return fmt.Sprintf("%s-%s-%02d", adj, noun, num)
}

// NormalizeRoomCode ensures consistent formatting (uppercase, trimmed)
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
