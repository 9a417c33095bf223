package transport

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/empirekit/errs"
)

// EnginePacketType is the Engine.IO v4 packet prefix.
type EnginePacketType byte

const (
	EngineOpen    EnginePacketType = '0'
	EngineClose   EnginePacketType = '1'
	EnginePing    EnginePacketType = '2'
	EnginePong    EnginePacketType = '3'
	EngineMessage EnginePacketType = '4'
	EngineUpgrade EnginePacketType = '5'
	EngineNoop    EnginePacketType = '6'
)

// PacketType is the Socket.IO v4 packet type carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

// DefaultNamespace is the implicit Socket.IO namespace.
const DefaultNamespace = "/"

// OpenPayload is the handshake document carried by an Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int64
	HasAck    bool
	Data      json.RawMessage
}

// EncodePacket renders p as an Engine.IO message frame.
func EncodePacket(p Packet) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasAck {
		b.WriteString(strconv.FormatInt(p.AckID, 10))
	}
	b.Write(p.Data)
	return b.Bytes()
}

// EncodeEvent renders an event emission as an Engine.IO message frame.
func EncodeEvent(namespace, event string, data any) ([]byte, error) {
	args := []any{event}
	if data != nil {
		args = append(args, data)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, errs.New("transport/encode", errs.CodeInvalid,
			errs.WithMessage("marshal event payload"),
			errs.WithField("event", event),
			errs.WithCause(err))
	}
	return EncodePacket(Packet{Type: PacketEvent, Namespace: namespace, Data: payload}), nil
}

// DecodePacket parses the Socket.IO packet following the Engine.IO message prefix.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) < 1 {
		return Packet{}, decodeError("empty socket packet", frame)
	}
	p := Packet{Type: PacketType(frame[0]), Namespace: DefaultNamespace}
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return Packet{}, decodeError("unknown socket packet type", frame)
	}
	rest := frame[1:]
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return Packet{}, decodeError("binary packets are not supported", frame)
	}

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			rest = nil
		} else {
			p.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return Packet{}, decodeError("invalid ack id", frame)
		}
		p.AckID = id
		p.HasAck = true
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		p.Data = json.RawMessage(append([]byte(nil), rest...))
	}
	return p, nil
}

// DecodeEvent splits an event packet's data into the event name and its first argument.
// Events without arguments yield nil data.
func DecodeEvent(p Packet) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, decodeError("event payload is not an array", p.Data)
	}
	if len(args) == 0 {
		return "", nil, decodeError("event payload has no name", p.Data)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, decodeError("event name is not a string", p.Data)
	}
	if len(args) < 2 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// ConnectErrorMessage extracts the message of a CONNECT_ERROR packet.
func ConnectErrorMessage(p Packet) string {
	var payload struct {
		Message string `json:"message"`
	}
	if len(p.Data) == 0 {
		return "namespace connect rejected"
	}
	if err := json.Unmarshal(p.Data, &payload); err != nil || payload.Message == "" {
		return string(p.Data)
	}
	return payload.Message
}

func decodeError(msg string, frame []byte) error {
	sample := frame
	if len(sample) > 64 {
		sample = sample[:64]
	}
	return errs.New("transport/decode", errs.CodeProtocol,
		errs.WithMessage(msg),
		errs.WithField("frame", string(sample)))
}
