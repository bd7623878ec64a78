package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{SenderUID: 111, SendTime: 12345.625, Sequence: 42, Flags: FlagStreamAudio}
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)
	got := DecodeHeader(buf)
	if got != h {
		t.Errorf("round trip: got %+v, want %+v", got, h)
	}
}

func TestHeaderSizeConstant(t *testing.T) {
	if HeaderSize != 17 {
		t.Errorf("HeaderSize = %d, want 17 (4 uid + 8 timestamp + 4 seq + 1 flags)", HeaderSize)
	}
}

func TestIsPingExactMatch(t *testing.T) {
	if !(Header{Flags: FlagPing}).IsPing() {
		t.Error("expected FlagPing to be recognised as ping")
	}
	if (Header{Flags: FlagMute | FlagDeaf}).IsPing() {
		t.Error("0xFE must be an exact match, not a bit test")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		flags byte
		want  Kind
	}{
		{0, KindVoice},
		{FlagPing, KindPing},
		{FlagWhisper, KindWhisper},
		{FlagVideo, KindVideo},
		{FlagStreamAudio, KindStreamAudio},
		{FlagStreamAudio | FlagStreamVoices, KindStreamVoices},
	}
	for _, c := range cases {
		if got := Classify(c.flags); got != c.want {
			t.Errorf("Classify(%#x) = %v, want %v", c.flags, got, c.want)
		}
	}
}

func TestVideoChunkHeaderRoundTrip(t *testing.T) {
	h := VideoChunkHeader{FrameID: 99, PartIdx: 2, TotalParts: 5}
	buf := make([]byte, VideoHeaderSize)
	EncodeVideoChunkHeader(buf, h)
	got := DecodeVideoChunkHeader(buf)
	if got != h {
		t.Errorf("round trip: got %+v, want %+v", got, h)
	}
}

func TestWhisperAndStreamVoicePrefixes(t *testing.T) {
	buf := make([]byte, WhisperHeaderSize)
	EncodeWhisperTarget(buf, 222)
	if got := DecodeWhisperTarget(buf); got != 222 {
		t.Errorf("whisper target: got %d, want 222", got)
	}

	buf2 := make([]byte, StreamVoiceHeaderSize)
	EncodeStreamVoiceSpeaker(buf2, 333)
	if got := DecodeStreamVoiceSpeaker(buf2); got != 333 {
		t.Errorf("stream voice speaker: got %d, want 333", got)
	}
}
