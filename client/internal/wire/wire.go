// Package wire encodes and decodes the UDP media datagram format shared
// with the server (see bken/server/wire on the server side; the two modules
// are independently versioned so the framing logic is duplicated rather
// than imported).
package wire

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the fixed datagram header: 4-byte sender uid, 8-byte
// send timestamp (seconds, float64), 4-byte sequence, 1-byte flags.
const HeaderSize = 17

// Flag bits, set in Header.Flags.
const (
	FlagMute         byte = 0x01
	FlagDeaf         byte = 0x02
	FlagVideo        byte = 0x04
	FlagStreamAudio  byte = 0x08
	FlagLoopback     byte = 0x10
	FlagStreamVoices byte = 0x20
	FlagWhisper      byte = 0x40
	FlagPing         byte = 0xFE // exact-match value, not a bit to OR in
)

// VideoHeaderSize is the inner fragment header: 4-byte frame id, 2-byte
// part index, 2-byte total parts.
const VideoHeaderSize = 8

// WhisperHeaderSize is the 4-byte target uid prefix on whisper payloads.
const WhisperHeaderSize = 4

// StreamVoiceHeaderSize is the 4-byte speaker uid prefix on
// STREAM_AUDIO|STREAM_VOICES payloads.
const StreamVoiceHeaderSize = 4

// Header is the fixed 17-byte datagram header.
type Header struct {
	SenderUID uint32
	SendTime  float64
	Sequence  uint32
	Flags     byte
}

// IsPing reports whether Flags is the exact-match ping value.
func (h Header) IsPing() bool { return h.Flags == FlagPing }

// EncodeHeader writes h into dst[:HeaderSize].
func EncodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], h.SenderUID)
	binary.BigEndian.PutUint64(dst[4:12], math.Float64bits(h.SendTime))
	binary.BigEndian.PutUint32(dst[12:16], h.Sequence)
	dst[16] = h.Flags
}

// DecodeHeader reads a Header from buf. Caller must ensure len(buf) >= HeaderSize.
func DecodeHeader(buf []byte) Header {
	return Header{
		SenderUID: binary.BigEndian.Uint32(buf[0:4]),
		SendTime:  math.Float64frombits(binary.BigEndian.Uint64(buf[4:12])),
		Sequence:  binary.BigEndian.Uint32(buf[12:16]),
		Flags:     buf[16],
	}
}

// VideoChunkHeader is the inner 8-byte header prefixed to each H.264 fragment.
type VideoChunkHeader struct {
	FrameID    uint32
	PartIdx    uint16
	TotalParts uint16
}

// EncodeVideoChunkHeader writes h into dst[:VideoHeaderSize].
func EncodeVideoChunkHeader(dst []byte, h VideoChunkHeader) {
	binary.BigEndian.PutUint32(dst[0:4], h.FrameID)
	binary.BigEndian.PutUint16(dst[4:6], h.PartIdx)
	binary.BigEndian.PutUint16(dst[6:8], h.TotalParts)
}

// DecodeVideoChunkHeader reads a VideoChunkHeader from buf.
func DecodeVideoChunkHeader(buf []byte) VideoChunkHeader {
	return VideoChunkHeader{
		FrameID:    binary.BigEndian.Uint32(buf[0:4]),
		PartIdx:    binary.BigEndian.Uint16(buf[4:6]),
		TotalParts: binary.BigEndian.Uint16(buf[6:8]),
	}
}

// EncodeWhisperTarget writes the 4-byte target uid prefix.
func EncodeWhisperTarget(dst []byte, targetUID uint32) {
	binary.BigEndian.PutUint32(dst[0:4], targetUID)
}

// DecodeWhisperTarget reads the 4-byte target uid prefix.
func DecodeWhisperTarget(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// EncodeStreamVoiceSpeaker writes the 4-byte speaker uid prefix.
func EncodeStreamVoiceSpeaker(dst []byte, speakerUID uint32) {
	binary.BigEndian.PutUint32(dst[0:4], speakerUID)
}

// DecodeStreamVoiceSpeaker reads the 4-byte speaker uid prefix.
func DecodeStreamVoiceSpeaker(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// Kind classifies a decoded datagram by its flag bits, per §4.2/§4.3.
type Kind int

const (
	KindVoice Kind = iota
	KindPing
	KindWhisper
	KindVideo
	KindStreamAudio
	KindStreamVoices
)

// Classify returns the datagram Kind for the given flag byte. STREAM_AUDIO
// with STREAM_VOICES set is reported as KindStreamVoices since that is the
// higher-priority forwarding/handling path (mix-minus re-publication).
func Classify(flags byte) Kind {
	switch {
	case flags == FlagPing:
		return KindPing
	case flags&FlagWhisper != 0:
		return KindWhisper
	case flags&FlagStreamVoices != 0:
		return KindStreamVoices
	case flags&FlagStreamAudio != 0:
		return KindStreamAudio
	case flags&FlagVideo != 0:
		return KindVideo
	default:
		return KindVoice
	}
}
