// Package whisperfx implements the incoming-whisper voice effect: a
// pitch-shift-down of 4 semitones followed by a 4 kHz low-pass, applied to
// decoded frames from whichever sender is currently whispering.
//
// The pitch shift uses the classic dual-tap delay-line technique (see e.g.
// musicdsp.org's granular pitch shifters): two read taps walk a circular
// history buffer at a fractional rate slower than real time, spaced half a
// grain apart and cross-faded with a Hann window so neither tap's periodic
// jump-back is audible. The low-pass is a 4th-order Butterworth built from
// two cascaded biquad sections. Unlike internal/aec, Effect takes no lock:
// the history buffer and filters belong to the playback thread, and only
// the reset request crosses goroutines, as an atomic flag.
package whisperfx

import (
	"math"
	"sync/atomic"
)

const (
	// SemitonesDown is the fixed pitch shift applied to whispered audio.
	SemitonesDown = 4.0

	// sampleRate must match the capture/playback pipeline (48 kHz).
	sampleRate = 48000

	// grainSamples is the delay-line window length. 960 samples (20 ms)
	// aligns the grain with one Opus frame.
	grainSamples = 960

	// lowpassCutoffHz is the whisper low-pass corner frequency.
	lowpassCutoffHz = 4000.0

	historyLen = grainSamples * 4
)

// pitchRate is the read-advance rate per output sample. A value below 1
// stretches playback (lower pitch); 2^(-semitones/12) converts semitones to
// a frequency ratio.
var pitchRate = math.Pow(2, -SemitonesDown/12.0)

// biquad is a single Direct Form I second-order IIR section.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

func (bq *biquad) process(x float64) float64 {
	y := bq.b0*x + bq.b1*bq.x1 + bq.b2*bq.x2 - bq.a1*bq.y1 - bq.a2*bq.y2
	bq.x2, bq.x1 = bq.x1, x
	bq.y2, bq.y1 = bq.y1, y
	return y
}

func (bq *biquad) reset() {
	bq.x1, bq.x2, bq.y1, bq.y2 = 0, 0, 0, 0
}

// newLowpassSection builds an RBJ-cookbook low-pass biquad for the given
// cutoff and pole Q.
func newLowpassSection(cutoffHz, q float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosW0, sinW0 := math.Cos(w0), math.Sin(w0)
	alpha := sinW0 / (2 * q)

	b0 := (1 - cosW0) / 2
	b1 := 1 - cosW0
	b2 := (1 - cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
	}
}

// butterworth4PoleQs are the cascade pole Qs for a 4th-order Butterworth
// response built from two 2nd-order sections.
var butterworth4PoleQs = [2]float64{0.541196, 1.306563}

// Effect is the per-sender whisper DSP chain. Zero value is not usable;
// use New(). Not safe for concurrent use — owned by the single audio
// playback thread.
type Effect struct {
	resetPending atomic.Bool

	history  [historyLen]float32
	writePos int

	tap0Age float64
	tap1Age float64

	lpf [2]biquad
}

// New returns a ready-to-use whisper effect with filter sections configured
// for the fixed low-pass cutoff.
func New() *Effect {
	e := &Effect{
		tap1Age: grainSamples / 2,
	}
	e.lpf[0] = newLowpassSection(lowpassCutoffHz, butterworth4PoleQs[0])
	e.lpf[1] = newLowpassSection(lowpassCutoffHz, butterworth4PoleQs[1])
	return e
}

// TriggerReset requests that the DSP state (history, tap phases, filter
// memory) be cleared fresh on the next Process call. Safe to call from any
// goroutine (e.g. the control-message handler noticing a new whisper
// sender); the reset itself runs on the audio thread inside Process.
func (e *Effect) TriggerReset() {
	e.resetPending.Store(true)
}

func (e *Effect) reset() {
	for i := range e.history {
		e.history[i] = 0
	}
	e.writePos = 0
	e.tap0Age = 0
	e.tap1Age = grainSamples / 2
	e.lpf[0].reset()
	e.lpf[1].reset()
}

// Process applies the whisper effect to frame in-place.
func (e *Effect) Process(frame []float32) {
	if e.resetPending.CompareAndSwap(true, false) {
		e.reset()
	}

	for i, s := range frame {
		e.history[e.writePos] = s
		e.writePos = (e.writePos + 1) % historyLen

		s0 := e.readTap(e.tap0Age)
		s1 := e.readTap(e.tap1Age)
		w0 := hannWeight(e.tap0Age)
		w1 := hannWeight(e.tap1Age)

		mixed := s0*w0 + s1*w1

		e.tap0Age += 1 - pitchRate
		e.tap1Age += 1 - pitchRate
		if e.tap0Age >= grainSamples {
			e.tap0Age -= grainSamples
		}
		if e.tap1Age >= grainSamples {
			e.tap1Age -= grainSamples
		}

		out := e.lpf[0].process(float64(mixed))
		out = e.lpf[1].process(out)
		frame[i] = float32(out)
	}
}

// readTap linearly interpolates a sample from the history buffer at the
// given age (in samples, counting back from the most recently written one).
func (e *Effect) readTap(age float64) float32 {
	floorAge := math.Floor(age)
	frac := float32(age - floorAge)

	idx0 := (e.writePos - 1 - int(floorAge) + 2*historyLen) % historyLen
	idx1 := (idx0 - 1 + historyLen) % historyLen

	a := e.history[idx0]
	b := e.history[idx1]
	return a + (b-a)*frac
}

// hannWeight returns the Hann window weight for a tap at the given grain
// position, peaking at the grain midpoint and zero at both edges so the
// tap's periodic reset is inaudible once cross-faded with its counterpart.
func hannWeight(age float64) float32 {
	phase := age / grainSamples
	return float32(0.5 * (1 - math.Cos(2*math.Pi*phase)))
}
