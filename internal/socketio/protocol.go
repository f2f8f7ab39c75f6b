package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Engine.io v4 frame types. Every websocket text frame starts with one.
type engineType byte

const (
	engineOpen    engineType = '0'
	engineClose   engineType = '1'
	enginePing    engineType = '2'
	enginePong    engineType = '3'
	engineMessage engineType = '4'
)

// Socket.io v5 packet types carried inside engine message frames.
type packetType byte

const (
	packetConnect      packetType = '0'
	packetDisconnect   packetType = '1'
	packetEvent        packetType = '2'
	packetAck          packetType = '3'
	packetConnectError packetType = '4'
)

const defaultNamespace = "/"

var (
	errEmptyPacket   = errors.New("empty packet")
	errPacketType    = errors.New("unknown packet type")
	errNotAnArray    = errors.New("packet data is not an array")
	errMissingEvent  = errors.New("missing event name")
	errMissingAckID  = errors.New("ack without id")
	errUnexpectedAck = errors.New("not an ack packet")
)

// packet is one decoded socket.io packet. Data holds the raw JSON that
// follows the header: an object for CONNECT, an array for EVENT and ACK.
type packet struct {
	Type      packetType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, errEmptyPacket
	}
	p := packet{Type: packetType(s[0]), Namespace: defaultNamespace}
	if p.Type < packetConnect || p.Type > packetConnectError {
		return packet{}, errPacketType
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			p.Namespace, rest = rest[:comma], rest[comma+1:]
		} else {
			p.Namespace, rest = rest, ""
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, err
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return packet{}, errors.New("invalid packet data")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

func (p packet) encode() string {
	var b strings.Builder
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != defaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// frame wraps the packet in an engine message frame, ready for the wire.
func (p packet) frame() []byte {
	return []byte(string(engineMessage) + p.encode())
}

func (p packet) array() ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if len(p.Data) == 0 || p.Data[0] != '[' {
		return nil, errNotAnArray
	}
	if err := json.Unmarshal(p.Data, &arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// event splits an EVENT packet into its name and arguments.
func (p packet) event() (string, []json.RawMessage, error) {
	arr, err := p.array()
	if err != nil {
		return "", nil, err
	}
	if len(arr) == 0 {
		return "", nil, errMissingEvent
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return "", nil, errMissingEvent
	}
	return name, arr[1:], nil
}

func (p packet) ackArgs() (int, []json.RawMessage, error) {
	if p.Type != packetAck {
		return 0, nil, errUnexpectedAck
	}
	if p.ID == nil {
		return 0, nil, errMissingAckID
	}
	arr, err := p.array()
	if err != nil {
		return 0, nil, err
	}
	return *p.ID, arr, nil
}

func newEvent(namespace string, id *int, name string, args ...any) (packet, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return packet{}, err
	}
	return packet{Type: packetEvent, Namespace: namespace, ID: id, Data: data}, nil
}

func newAck(namespace string, id int, args ...any) (packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return packet{}, err
	}
	return packet{Type: packetAck, Namespace: namespace, ID: &id, Data: data}, nil
}

func newConnect(namespace, sid string) (packet, error) {
	data, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return packet{}, err
	}
	return packet{Type: packetConnect, Namespace: namespace, Data: data}, nil
}

func newConnectError(namespace, message string) (packet, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return packet{}, err
	}
	return packet{Type: packetConnectError, Namespace: namespace, Data: data}, nil
}
