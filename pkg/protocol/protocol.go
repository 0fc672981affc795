// Package protocol defines the intercom audio packet format and the
// protocol constants shared by every node on the network.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// SampleRate is the audio sample rate in Hz.
	SampleRate = 16000

	// Channels is the number of audio channels (mono).
	Channels = 1

	// FrameDuration is the audio frame duration in milliseconds.
	FrameDuration = 20

	// FrameSize is the number of samples per frame (SampleRate * FrameDuration / 1000).
	FrameSize = SampleRate * FrameDuration / 1000 // 320

	// OpusBitrate is the encoder bitrate in bits/s (VBR, voice).
	OpusBitrate = 32000

	// AudioPort is the UDP port all nodes send and receive audio on.
	AudioPort = 5005

	// MulticastGroup is the well-known group address for broadcast-to-all.
	MulticastGroup = "239.255.0.100"

	// MulticastTTL keeps audio on the local segment.
	MulticastTTL = 1

	// DeviceIDLen is the byte length of a node identifier.
	DeviceIDLen = 8

	// HeaderLen is the fixed packet header size:
	// [deviceID(8) | sequence(4) | priority(1)] = 13 bytes.
	HeaderLen = DeviceIDLen + 4 + 1

	// MaxPacketSize bounds a whole datagram (header + payload).
	MaxPacketSize = 256

	// MaxPayload is the largest compressed frame a packet may carry.
	MaxPayload = MaxPacketSize - HeaderLen
)

// Priority of an audio stream. Emergency bypasses DND and forces playback
// at full volume on the receiver.
type Priority uint8

const (
	PriorityNormal    Priority = 0
	PriorityHigh      Priority = 1
	PriorityEmergency Priority = 2
)

// Clamp maps unknown priority values from old or foreign senders to Normal.
func (p Priority) Clamp() Priority {
	if p > PriorityEmergency {
		return PriorityNormal
	}
	return p
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// DeviceID uniquely identifies a node on the intercom network.
type DeviceID [DeviceIDLen]byte

// DeriveDeviceID builds a DeviceID from a 6-byte interface MAC address:
// the MAC itself plus two XOR-fold check bytes.
func DeriveDeviceID(mac []byte) (DeviceID, error) {
	var id DeviceID
	if len(mac) < 6 {
		return id, fmt.Errorf("protocol: mac too short: %d bytes", len(mac))
	}
	copy(id[:6], mac[:6])
	id[6] = mac[0] ^ mac[2] ^ mac[4]
	id[7] = mac[1] ^ mac[3] ^ mac[5]
	return id, nil
}

func (d DeviceID) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the id is the all-zero value.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}

var (
	// ErrPacketTooShort marks datagrams smaller than the fixed header.
	// Sub-header datagrams (e.g. boot-time probes) are valid traffic to
	// ignore, not a protocol violation.
	ErrPacketTooShort = errors.New("protocol: packet too short")

	// ErrPayloadTooLarge marks payloads exceeding MaxPayload.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Packet is one audio frame on the wire. Constructed per outgoing frame by
// the TX path, consumed and discarded per incoming frame by the RX path.
type Packet struct {
	DeviceID DeviceID
	Sequence uint32 // monotonically increasing per sender
	Priority Priority
	Payload  []byte // compressed audio, ≤ MaxPayload
}

// Marshal serializes the packet: fixed header followed by the payload.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(p.Payload))
	copy(buf[0:DeviceIDLen], p.DeviceID[:])
	binary.BigEndian.PutUint32(buf[DeviceIDLen:DeviceIDLen+4], p.Sequence)
	buf[DeviceIDLen+4] = byte(p.Priority)
	copy(buf[HeaderLen:], p.Payload)
	return buf, nil
}

// UnmarshalPacket parses a datagram into a Packet. The payload is copied so
// the caller may reuse its receive buffer.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPayloadTooLarge
	}
	pkt := &Packet{
		Sequence: binary.BigEndian.Uint32(data[DeviceIDLen : DeviceIDLen+4]),
		Priority: Priority(data[DeviceIDLen+4]).Clamp(),
		Payload:  make([]byte, len(data)-HeaderLen),
	}
	copy(pkt.DeviceID[:], data[0:DeviceIDLen])
	copy(pkt.Payload, data[HeaderLen:])
	return pkt, nil
}
