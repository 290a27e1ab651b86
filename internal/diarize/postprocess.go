package diarize

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// activeSpeakerThreshold is the minimum post-softmax probability a
// speaker class must reach for a frame to count as that speaker's
// speech; below it the frame is treated as non-speech.
const activeSpeakerThreshold = 0.3

// minSegmentDuration discards segments shorter than this, in seconds.
const minSegmentDuration = 0.5

// softmaxFrame applies a numerically-stabilized softmax over one
// frame's class logits and returns the probabilities as a new slice;
// logits is left unchanged. Stabilization subtracts the
// per-frame max logit before exponentiating, using gonum's floats
// helpers for the max/sum reductions.
func softmaxFrame(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v)
	}
	max := floats.Max(probs)
	for i, v := range probs {
		probs[i] = expClamped(v - max)
	}
	sum := floats.Sum(probs)
	if sum > 0 {
		floats.Scale(1/sum, probs)
	}
	return probs
}

// expClamped avoids math.Exp overflow/underflow surprises on the
// already-shifted (non-positive-ish) logit range softmax operates on.
func expClamped(x float64) float64 {
	const lowerBound = -700 // math.Exp underflows to 0 well before this
	if x < lowerBound {
		return 0
	}
	return math.Exp(x)
}

// activeSpeaker returns the 1-indexed class with the highest
// probability and whether it clears activeSpeakerThreshold. Class 0
// (non-speech) is never returned as "active".
func activeSpeaker(probs []float64) (class int, active bool) {
	bestClass := 0
	bestProb := 0.0
	for k := 1; k < len(probs); k++ {
		if probs[k] > bestProb {
			bestProb = probs[k]
			bestClass = k
		}
	}
	if bestClass == 0 || bestProb <= activeSpeakerThreshold {
		return 0, false
	}
	return bestClass, true
}

// framesToSegments walks the model's per-frame class activations in
// order, emitting a RawSegment each time the active speaker changes
// (including transitions to/from non-speech), dropping any segment
// shorter than minSegmentDuration. frameStep is derived from the
// total audio duration rather than hard-coded, since frame rate
// varies with model and audio length.
func framesToSegments(frames [][]float32, audioDurationSeconds float64) []RawSegment {
	if len(frames) == 0 {
		return nil
	}
	frameStep := audioDurationSeconds / float64(len(frames))

	var segments []RawSegment
	currentSpeaker := -1 // -1 = no open segment
	segmentStart := 0.0

	emit := func(endTime float64) {
		if currentSpeaker < 0 {
			return
		}
		if endTime-segmentStart >= minSegmentDuration {
			segments = append(segments, RawSegment{
				Speaker: currentSpeaker - 1, // spec: emitted speaker value is k-1
				Start:   segmentStart,
				End:     endTime,
			})
		}
	}

	for f, logits := range frames {
		t := float64(f) * frameStep
		probs := softmaxFrame(logits)
		class, active := activeSpeaker(probs)

		var newSpeaker int
		if active {
			newSpeaker = class
		} else {
			newSpeaker = -1
		}

		if newSpeaker != currentSpeaker {
			emit(t)
			currentSpeaker = newSpeaker
			segmentStart = t
		}
	}

	emit(audioDurationSeconds)
	return segments
}
