package live

import (
	"math"
	"testing"
)

// pcmFromSamples converts int16 samples to little-endian PCM bytes.
func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return pcm
}

// makeFrame builds a constant-amplitude PCM frame of the given duration.
// The RMS of a constant signal equals its normalized amplitude.
func makeFrame(cfg AudioConfig, amplitude float64, ms int) []byte {
	samples := cfg.BytesForDurationMs(ms) / 2
	v := int16(amplitude * 32767)
	out := make([]int16, samples)
	for i := range out {
		out[i] = v
	}
	return pcmFromSamples(out)
}

func TestCalculateRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 1.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 0.5,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateRMSEnergy(pcmFromSamples(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestEnergyToDBFS(t *testing.T) {
	tests := []struct {
		name     string
		energy   float64
		expected float64
	}{
		{"full scale", 1.0, 0},
		{"tenth", 0.1, -20},
		{"hundredth", 0.01, -40},
		{"silence clamps", 0, MinLevelDB},
		{"below floor clamps", 1e-9, MinLevelDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EnergyToDBFS(tt.energy)
			if math.Abs(result-tt.expected) > 0.1 {
				t.Errorf("expected %.1f dBFS, got %.1f", tt.expected, result)
			}
		})
	}
}

func TestFrameLevelDB(t *testing.T) {
	cfg := DefaultAudioConfig()
	frame := makeFrame(cfg, 0.1, 20)
	db := FrameLevelDB(frame)
	if math.Abs(db-(-20)) > 0.5 {
		t.Errorf("expected about -20 dBFS, got %.2f", db)
	}
}

func TestAudioBuffer_TrimsOldest(t *testing.T) {
	cfg := DefaultAudioConfig()
	buf := NewAudioBuffer(cfg, 10) // 10ms max

	maxBytes := cfg.BytesForDurationMs(10)
	first := make([]byte, maxBytes)
	for i := range first {
		first[i] = 1
	}
	second := make([]byte, maxBytes/2)
	for i := range second {
		second[i] = 2
	}

	buf.Write(first)
	buf.Write(second)

	data := buf.Read()
	if len(data) != maxBytes {
		t.Fatalf("expected %d bytes, got %d", maxBytes, len(data))
	}
	// The oldest half of the first write should be gone.
	if data[0] != 1 || data[len(data)-1] != 2 {
		t.Errorf("unexpected buffer contents: first=%d last=%d", data[0], data[len(data)-1])
	}
}

func TestAudioBuffer_ClearAndDuration(t *testing.T) {
	cfg := DefaultAudioConfig()
	buf := NewAudioBuffer(cfg, 1000)

	buf.Write(makeFrame(cfg, 0.1, 20))
	if got := buf.DurationMs(); got != 20 {
		t.Errorf("DurationMs = %d, want 20", got)
	}

	buf.Clear()
	if buf.Len() != 0 {
		t.Errorf("Len after Clear = %d", buf.Len())
	}
}

func TestRingBuffer_ChronologicalRead(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16} // 2 bytes/ms
	ring := NewRingBuffer(cfg, 4)                                       // 8 bytes

	ring.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	ring.Write([]byte{9, 10})

	got := ring.Read()
	want := []byte{3, 4, 5, 6, 7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Read()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	cfg := AudioConfig{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	ring := NewRingBuffer(cfg, 4)

	ring.Write([]byte{1, 2, 3})
	got := ring.Read()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected partial read: %v", got)
	}

	ring.Clear()
	if ring.Filled() != 0 {
		t.Errorf("Filled after Clear = %d", ring.Filled())
	}
}

func TestAudioConfig_Conversions(t *testing.T) {
	cfg := DefaultAudioConfig()

	if got := cfg.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
	if got := cfg.DurationMs(640); got != 20 {
		t.Errorf("DurationMs(640) = %d, want 20", got)
	}
	if got := cfg.BytesForDurationMs(20); got != 640 {
		t.Errorf("BytesForDurationMs(20) = %d, want 640", got)
	}
}
