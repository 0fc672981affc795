package audio

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/mveit/intercom/pkg/protocol"
)

// Encoder wraps an Opus encoder configured for intercom voice.
type Encoder struct {
	enc *opus.Encoder
	buf []byte // reusable output buffer
}

// NewEncoder creates an Opus encoder: 16kHz mono VBR voice with in-band FEC
// so receivers can reconstruct a lost frame from its successor.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(protocol.SampleRate, protocol.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}

	_ = enc.SetBitrate(protocol.OpusBitrate)
	_ = enc.SetInBandFEC(true)
	_ = enc.SetPacketLossPerc(10) // optimize FEC for up to 10% packet loss

	return &Encoder{
		enc: enc,
		buf: make([]byte, protocol.MaxPayload),
	}, nil
}

// Encode encodes one PCM frame to a packet payload. Returns the encoded bytes.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Reset clears the encoder's prediction history. Call at the start of each
// transmit session; residual state from the previous session degrades the
// first frames of the new one.
func (e *Encoder) Reset() error {
	if err := e.enc.Init(protocol.SampleRate, protocol.Channels, opus.AppVoIP); err != nil {
		return fmt.Errorf("audio: reset encoder: %w", err)
	}
	_ = e.enc.SetBitrate(protocol.OpusBitrate)
	_ = e.enc.SetInBandFEC(true)
	_ = e.enc.SetPacketLossPerc(10)
	return nil
}

// Decoder wraps an Opus decoder.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates an Opus decoder matching the encoder configuration.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(protocol.SampleRate, protocol.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one payload to a PCM frame. A malformed or truncated
// payload returns an error; the caller treats the frame as lost.
func (d *Decoder) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, protocol.FrameSize)
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: decode: %w", err)
	}
	return pcm[:n], nil
}

// DecodePLC synthesizes a concealment frame for a known-lost packet from
// the decoder's predictor state.
func (d *Decoder) DecodePLC() ([]int16, error) {
	pcm := make([]int16, protocol.FrameSize)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return nil, fmt.Errorf("audio: decode plc: %w", err)
	}
	return pcm, nil
}

// DecodeFEC recovers the previous (lost) frame from the in-band FEC data
// carried by the next arriving payload. Call before decoding that payload
// normally.
func (d *Decoder) DecodeFEC(next []byte) ([]int16, error) {
	pcm := make([]int16, protocol.FrameSize)
	if err := d.dec.DecodeFEC(next, pcm); err != nil {
		return nil, fmt.Errorf("audio: decode fec: %w", err)
	}
	return pcm, nil
}

// Reset clears the decoder's prediction history. Call at the start of each
// reception session.
func (d *Decoder) Reset() error {
	if err := d.dec.Init(protocol.SampleRate, protocol.Channels); err != nil {
		return fmt.Errorf("audio: reset decoder: %w", err)
	}
	return nil
}
