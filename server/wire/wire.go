// Package wire encodes and decodes the 17-byte UDP media header shared by
// the server router and the client media engine, plus the small per-payload
// inner headers layered on top of it (video fragments, whisper target,
// stream-voice speaker prefix).
package wire

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the fixed size of the UDP media header in bytes:
// u32 sender_uid (4) + f64 send_timestamp_seconds (8) + u32 sequence (4) +
// u8 flags (1) = 17. (Field layout matches the "!IdIB" header struct this
// protocol was distilled from; the literal byte count follows that layout.)
const HeaderSize = 17

// Flag bits. Non-exclusive unless noted.
const (
	FlagMute         byte = 0x01
	FlagDeaf         byte = 0x02
	FlagVideo        byte = 0x04
	FlagStreamAudio  byte = 0x08
	FlagLoopback     byte = 0x10 // subtype of StreamAudio
	FlagStreamVoices byte = 0x20 // subtype of StreamAudio
	FlagWhisper      byte = 0x40

	// FlagPing is compared for exact equality, not masked — 0xFE is not a
	// valid combination of the bits above.
	FlagPing byte = 0xFE
)

// VideoHeaderSize is the size of the inner video-fragment header:
// u32 frame_id, u16 part_idx, u16 total_parts.
const VideoHeaderSize = 8

// WhisperHeaderSize is the size of the target_uid prefix on WHISPER payloads.
const WhisperHeaderSize = 4

// StreamVoiceHeaderSize is the size of the speaker_uid prefix on
// STREAM_VOICES payloads.
const StreamVoiceHeaderSize = 4

// Header is the decoded form of the 17-byte wire header.
type Header struct {
	SenderUID uint32
	SendTime  float64 // sender clock, seconds
	Sequence  uint32
	Flags     byte
}

// IsPing reports whether flags designates a ping/echo request. Ping is an
// exact match against 0xFE, not a bit test.
func (h Header) IsPing() bool { return h.Flags == FlagPing }

// Encode writes the header into dst[:HeaderSize]. dst must be at least
// HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	EncodeHeader(dst, h)
}

// DecodeHeader parses the first HeaderSize bytes of buf. The caller must
// ensure len(buf) >= HeaderSize.
func DecodeHeader(buf []byte) Header {
	return Header{
		SenderUID: binary.BigEndian.Uint32(buf[0:4]),
		SendTime:  math.Float64frombits(binary.BigEndian.Uint64(buf[4:12])),
		Sequence:  binary.BigEndian.Uint32(buf[12:16]),
		Flags:     buf[HeaderSize-1],
	}
}

// EncodeHeader writes h into dst[:HeaderSize]. dst must have length >= HeaderSize.
func EncodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], h.SenderUID)
	binary.BigEndian.PutUint64(dst[4:12], math.Float64bits(h.SendTime))
	binary.BigEndian.PutUint32(dst[12:16], h.Sequence)
	dst[HeaderSize-1] = h.Flags
}

// VideoChunkHeader is the 8-byte inner header on VIDEO payloads.
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

// DecodeVideoChunkHeader parses the first VideoHeaderSize bytes of buf.
func DecodeVideoChunkHeader(buf []byte) VideoChunkHeader {
	return VideoChunkHeader{
		FrameID:    binary.BigEndian.Uint32(buf[0:4]),
		PartIdx:    binary.BigEndian.Uint16(buf[4:6]),
		TotalParts: binary.BigEndian.Uint16(buf[6:8]),
	}
}

// EncodeWhisperTarget writes the 4-byte target_uid prefix into dst[:4].
func EncodeWhisperTarget(dst []byte, targetUID uint32) {
	binary.BigEndian.PutUint32(dst[0:4], targetUID)
}

// DecodeWhisperTarget reads the 4-byte target_uid prefix from buf[:4].
func DecodeWhisperTarget(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// EncodeStreamVoiceSpeaker writes the 4-byte speaker_uid prefix into dst[:4].
func EncodeStreamVoiceSpeaker(dst []byte, speakerUID uint32) {
	binary.BigEndian.PutUint32(dst[0:4], speakerUID)
}

// DecodeStreamVoiceSpeaker reads the 4-byte speaker_uid prefix from buf[:4].
func DecodeStreamVoiceSpeaker(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// Kind classifies a decoded datagram for routing/dispatch purposes. Flags
// are a bit field on the wire by necessity; callers should classify once at
// ingress and route on this tagged value rather than re-testing bits
// downstream (spec's "flag bits vs. sum types" design note).
type Kind int

const (
	KindPing Kind = iota
	KindVideo
	KindWhisper
	KindStreamVoices // STREAM_AUDIO | STREAM_VOICES
	KindStreamAudio  // STREAM_AUDIO without STREAM_VOICES (loopback or mic broadcast)
	KindVoice        // normal voice / keep-alive
)

// Classify inspects flags and returns the packet's Kind.
func Classify(flags byte) Kind {
	switch {
	case flags == FlagPing:
		return KindPing
	case flags&FlagVideo != 0:
		return KindVideo
	case flags&FlagWhisper != 0:
		return KindWhisper
	case flags&FlagStreamAudio != 0 && flags&FlagStreamVoices != 0:
		return KindStreamVoices
	case flags&FlagStreamAudio != 0:
		return KindStreamAudio
	default:
		return KindVoice
	}
}
