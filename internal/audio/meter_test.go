package audio

import (
	"testing"
)

type recordedEvent struct {
	event VADEvent
	at    float64
}

func TestMeter_SplitChunks(t *testing.T) {
	var events []recordedEvent
	m := NewMeter(&VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 320}, func(ev VADEvent, at float64) {
		events = append(events, recordedEvent{ev, at})
	})

	// 4 loud frames then 2 silent frames, fed in awkward 333-byte chunks.
	var pcm []byte
	pcm = append(pcm, EncodeSamples(constantFrame(4*320, 4000))...)
	pcm = append(pcm, EncodeSamples(constantFrame(2*320, 0))...)
	for len(pcm) > 0 {
		n := 333
		if n > len(pcm) {
			n = len(pcm)
		}
		written, err := m.Write(pcm[:n])
		if err != nil || written != n {
			t.Fatalf("Write returned %d, %v", written, err)
		}
		pcm = pcm[n:]
	}

	if m.Processed() != 6*640 {
		t.Errorf("Expected %d bytes processed, got %d", 6*640, m.Processed())
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %v", events)
	}
	if events[0].event != VADSpeechStart || events[0].at != 0.02 {
		t.Errorf("Expected speech start at 0.02s, got %s at %f", events[0].event, events[0].at)
	}
	if events[1].event != VADSpeechEnd || events[1].at != 0.12 {
		t.Errorf("Expected speech end at 0.12s, got %s at %f", events[1].event, events[1].at)
	}
}

func TestMeter_PartialFrameHeld(t *testing.T) {
	calls := 0
	m := NewMeter(nil, func(VADEvent, float64) { calls++ })

	m.Write(EncodeSamples(constantFrame(100, 8000)))
	if m.Processed() != 0 {
		t.Errorf("Expected partial frame to be held, got %d processed", m.Processed())
	}
	if calls != 0 {
		t.Errorf("Expected no events for a partial frame, got %d", calls)
	}

	m.Write(EncodeSamples(constantFrame(220, 8000)))
	if !m.Speaking() {
		t.Error("Expected speech once the frame completed")
	}
	if calls != 1 {
		t.Errorf("Expected 1 event, got %d", calls)
	}
}

func TestMeter_NilCallback(t *testing.T) {
	m := NewMeter(nil, nil)
	if _, err := m.Write(EncodeSamples(constantFrame(640, 9000))); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
