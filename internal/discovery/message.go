package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Marker opens every announce datagram.
	Marker = "PYDROP_ANNOUNCE"
	// QueryMarker opens a request asking peers to announce right away.
	QueryMarker = "PYDROP_DISCOVER"
	Delimiter   = "|"

	announceFields = 4
	queryFields    = 2
)

var (
	ErrNoMarker   = errors.New("missing marker")
	ErrFieldCount = errors.New("wrong field count")
	ErrEmptyID    = errors.New("empty device id")
	ErrBadPort    = errors.New("invalid http port")
)

// Message is the announce a peer broadcasts about itself.
type Message struct {
	DeviceID   string
	DeviceName string
	HTTPPort   int
}

// NewMessage builds an announce, replacing any delimiter inside the id or
// name so the encoded form always parses back.
func NewMessage(id, name string, port int) Message {
	return Message{
		DeviceID:   strings.ReplaceAll(id, Delimiter, "/"),
		DeviceName: strings.ReplaceAll(name, Delimiter, "/"),
		HTTPPort:   port,
	}
}

func (m Message) String() string {
	return strings.Join([]string{Marker, m.DeviceID, m.DeviceName, strconv.Itoa(m.HTTPPort)}, Delimiter)
}

func (m Message) Encode() []byte {
	return []byte(m.String())
}

// Parse decodes an announce datagram. The port field must be an integer in
// 1..65535; a message that fails any check is rejected as a whole.
func Parse(data []byte) (Message, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, Marker) {
		return Message{}, ErrNoMarker
	}

	parts := strings.Split(text, Delimiter)
	if parts[0] != Marker {
		return Message{}, ErrNoMarker
	}
	if len(parts) != announceFields {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(parts), announceFields)
	}
	if parts[1] == "" {
		return Message{}, ErrEmptyID
	}

	port, err := strconv.Atoi(parts[3])
	if err != nil {
		return Message{}, fmt.Errorf("%w: %q", ErrBadPort, parts[3])
	}
	if port < 1 || port > 65535 {
		return Message{}, fmt.Errorf("%w: %d out of range", ErrBadPort, port)
	}

	return Message{DeviceID: parts[1], DeviceName: parts[2], HTTPPort: port}, nil
}

func EncodeQuery(id string) []byte {
	return []byte(QueryMarker + Delimiter + strings.ReplaceAll(id, Delimiter, "/"))
}

// ParseQuery returns the asking peer's id.
func ParseQuery(data []byte) (string, error) {
	text := strings.TrimSpace(string(data))
	parts := strings.Split(text, Delimiter)
	if parts[0] != QueryMarker {
		return "", ErrNoMarker
	}
	if len(parts) != queryFields {
		return "", fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(parts), queryFields)
	}
	if parts[1] == "" {
		return "", ErrEmptyID
	}
	return parts[1], nil
}
