package audio

import (
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestWidenInt16(t *testing.T) {
	input := []int16{0, 1, -1, 32767, -32768}
	got := widenInt16(input)

	if len(got) != len(input) {
		t.Fatalf("expected %d samples, got %d", len(input), len(got))
	}
	for i := range input {
		if got[i] != int32(input[i]) {
			t.Fatalf("expected element %d to be %d, got %d", i, input[i], got[i])
		}
	}
}

func TestCopyInt32(t *testing.T) {
	input := []int32{5, -5, 2147483647, -2147483648}
	got := copyInt32(input)

	for i := range input {
		if got[i] != input[i] {
			t.Fatalf("element %d mismatch: expected %d, got %d", i, input[i], got[i])
		}
	}

	if &got[0] == &input[0] {
		t.Fatal("expected driver buffer to be copied into a new slice")
	}
}

func TestStatusFromFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags portaudio.StreamCallbackFlags
		want  StreamStatus
	}{
		{name: "none", flags: 0, want: StreamStatus{}},
		{name: "overflow", flags: portaudio.InputOverflow, want: StreamStatus{InputOverflow: true}},
		{name: "underflow", flags: portaudio.InputUnderflow, want: StreamStatus{InputUnderflow: true}},
		{name: "both", flags: portaudio.InputOverflow | portaudio.InputUnderflow, want: StreamStatus{InputOverflow: true, InputUnderflow: true}},
		{name: "output flags ignored", flags: portaudio.OutputUnderflow, want: StreamStatus{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFromFlags(tt.flags); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestStreamStatusString(t *testing.T) {
	if s := (StreamStatus{}).String(); s != "ok" {
		t.Errorf("expected ok, got %q", s)
	}
	s := StreamStatus{InputOverflow: true, InputUnderflow: true}.String()
	if s != "input overflow, input underflow" {
		t.Errorf("unexpected status string %q", s)
	}
}
