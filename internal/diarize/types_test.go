package diarize

import "testing"

func TestBuildResultOrdersSegmentsByStartTime(t *testing.T) {
	raw := []RawSegment{
		{Speaker: 0, Start: 5, End: 6},
		{Speaker: 1, Start: 1, End: 2},
		{Speaker: 0, Start: 3, End: 4},
	}
	res := BuildResult(raw, 10, "PyAnnote ONNX")

	if len(res.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(res.Segments))
	}
	for i := 1; i < len(res.Segments); i++ {
		if res.Segments[i].StartTime < res.Segments[i-1].StartTime {
			t.Errorf("segments not ordered by startTime: %+v", res.Segments)
		}
	}
}

func TestBuildResultAssignsFirstSeenSpeakerNames(t *testing.T) {
	// Raw speaker 7 appears first (by time), raw speaker 2 second.
	raw := []RawSegment{
		{Speaker: 7, Start: 0, End: 1},
		{Speaker: 2, Start: 2, End: 3},
		{Speaker: 7, Start: 4, End: 5},
	}
	res := BuildResult(raw, 5, "PyAnnote ONNX")

	if res.Segments[0].Speaker != "Speaker 1" {
		t.Errorf("expected first-seen raw speaker to become Speaker 1, got %q", res.Segments[0].Speaker)
	}
	if res.Segments[1].Speaker != "Speaker 2" {
		t.Errorf("expected second-seen raw speaker to become Speaker 2, got %q", res.Segments[1].Speaker)
	}
	if res.Segments[2].Speaker != "Speaker 1" {
		t.Errorf("expected raw speaker 7 to stay Speaker 1 on recurrence, got %q", res.Segments[2].Speaker)
	}
}

func TestBuildResultComputesSpeakerSummaries(t *testing.T) {
	raw := []RawSegment{
		{Speaker: 0, Start: 0, End: 1},
		{Speaker: 0, Start: 1, End: 3},
		{Speaker: 1, Start: 3, End: 4},
	}
	res := BuildResult(raw, 4, "PyAnnote ONNX")

	if res.TotalSpeakers != 2 {
		t.Fatalf("expected 2 total speakers, got %d", res.TotalSpeakers)
	}
	if res.Speakers[0].SegmentCount != 2 || res.Speakers[0].TotalDuration != 3 {
		t.Errorf("unexpected speaker 0 summary: %+v", res.Speakers[0])
	}
	if res.Speakers[1].SegmentCount != 1 || res.Speakers[1].TotalDuration != 1 {
		t.Errorf("unexpected speaker 1 summary: %+v", res.Speakers[1])
	}
}

func TestBuildResultEmptyInput(t *testing.T) {
	res := BuildResult(nil, 0, "PyAnnote ONNX")
	if res.TotalSpeakers != 0 || len(res.Segments) != 0 || len(res.Speakers) != 0 {
		t.Errorf("expected empty result for no segments, got %+v", res)
	}
}

func TestColorForCyclesThroughPalette(t *testing.T) {
	c1 := colorFor(0)
	c2 := colorFor(len(speakerPalette))
	if c1 != c2 {
		t.Errorf("expected palette to cycle, got %q vs %q", c1, c2)
	}
}
