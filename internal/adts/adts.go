// Package adts parses and builds ADTS frame headers, the self-delimiting
// framing the capture pipeline produces for AAC audio. Merging recordings by
// raw concatenation is only valid when every input carries the same framing,
// so the header fields that describe the stream configuration are exposed for
// comparison.
package adts

import (
	"errors"
	"fmt"
)

// HeaderSize is the size of an ADTS header without a CRC. Headers with a CRC
// carry two extra bytes.
const HeaderSize = 7

// ErrNotADTS is returned when the inspected bytes do not start with the ADTS
// sync word.
var ErrNotADTS = errors.New("adts: sync word not found")

var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// Header holds the fixed fields of an ADTS frame header.
type Header struct {
	MPEG2           bool
	CRC             bool
	Profile         uint8
	SampleRateIndex uint8
	ChannelConfig   uint8
	FrameLength     int
}

// ParseHeader decodes the leading ADTS header from b. At least HeaderSize
// bytes are required.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("adts: need %d bytes, have %d", HeaderSize, len(b))
	}
	if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return h, ErrNotADTS
	}
	h.MPEG2 = b[1]&0x08 != 0
	h.CRC = b[1]&0x01 == 0
	h.Profile = b[2] >> 6
	h.SampleRateIndex = (b[2] >> 2) & 0x0F
	h.ChannelConfig = ((b[2] & 0x01) << 2) | (b[3] >> 6)
	h.FrameLength = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5])>>5

	if int(h.SampleRateIndex) >= len(sampleRates) {
		return h, fmt.Errorf("adts: invalid sample rate index %d", h.SampleRateIndex)
	}
	if h.FrameLength < h.Size() {
		return h, fmt.Errorf("adts: frame length %d shorter than header", h.FrameLength)
	}
	return h, nil
}

// Size returns the header's byte size, accounting for an optional CRC.
func (h Header) Size() int {
	if h.CRC {
		return HeaderSize + 2
	}
	return HeaderSize
}

// SampleRate returns the sample rate in Hz encoded in the header.
func (h Header) SampleRate() int {
	return sampleRates[h.SampleRateIndex]
}

// Compatible reports whether two headers describe the same stream
// configuration. Frames from compatible streams can be concatenated without
// re-encoding.
func (h Header) Compatible(other Header) bool {
	return h.MPEG2 == other.MPEG2 &&
		h.Profile == other.Profile &&
		h.SampleRateIndex == other.SampleRateIndex &&
		h.ChannelConfig == other.ChannelConfig
}

// Encode serializes the header into HeaderSize bytes (CRC-less form). The
// frame length must fit the 13-bit field.
func (h Header) Encode() ([]byte, error) {
	if h.FrameLength < HeaderSize || h.FrameLength >= 1<<13 {
		return nil, fmt.Errorf("adts: frame length %d out of range", h.FrameLength)
	}
	if int(h.SampleRateIndex) >= len(sampleRates) {
		return nil, fmt.Errorf("adts: invalid sample rate index %d", h.SampleRateIndex)
	}
	b := make([]byte, HeaderSize)
	b[0] = 0xFF
	b[1] = 0xF1
	if h.MPEG2 {
		b[1] |= 0x08
	}
	b[2] = h.Profile<<6 | h.SampleRateIndex<<2 | h.ChannelConfig>>2
	b[3] = (h.ChannelConfig&0x03)<<6 | byte(h.FrameLength>>11)
	b[4] = byte(h.FrameLength >> 3)
	b[5] = byte(h.FrameLength&0x07)<<5 | 0x1F
	b[6] = 0xFC
	return b, nil
}
