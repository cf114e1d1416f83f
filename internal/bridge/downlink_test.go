package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

var linkFormat = audio.Format{SampleRate: 24000, Channels: 1}

func newTestDownlink(t *testing.T, cfg Config) (*Downlink, *audio.Queue[[]byte], *audio.Queue[audio.AudioFrame]) {
	t.Helper()
	m, _ := newTestMetrics(t)
	in := audio.NewQueue[[]byte](64)
	out := audio.NewQueue[audio.AudioFrame](256)
	d, err := NewDownlink(in, out, cfg, m, discardLogger())
	if err != nil {
		t.Fatalf("NewDownlink: %v", err)
	}
	return d, in, out
}

func drainFrames(q *audio.Queue[audio.AudioFrame]) []audio.AudioFrame {
	var frames []audio.AudioFrame
	for {
		f, ok := q.TryPop()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestDownlink_FramesAreOneSliceOfPeerStereo(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDownlink(t, Config{})
	ctx := context.Background()

	// The linear resampler holds back its last two outputs until more input
	// arrives, so ten 20ms payloads complete nine frames.
	for range 10 {
		if err := d.process(ctx, tone(linkFormat, 20*time.Millisecond, 700)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	frames := drainFrames(out)
	if len(frames) != 9 {
		t.Fatalf("frames = %d, want 9", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != 3840 {
			t.Fatalf("frame %d = %d bytes, want 3840", i, len(f.Data))
		}
		if f.SampleRate != 48000 || f.Channels != 2 {
			t.Fatalf("frame %d format = %v, want 48000Hz stereo", i, f.Format())
		}
	}
	samples := audio.BytesToInt16s(frames[4].Data)
	if samples[10] != 700 || samples[11] != 700 {
		t.Errorf("stereo pair = (%d, %d), want (700, 700)", samples[10], samples[11])
	}
	if d.Frames() != 9 {
		t.Errorf("Frames = %d, want 9", d.Frames())
	}
}

func TestDownlink_PartialWindowsCarryOver(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDownlink(t, Config{})
	ctx := context.Background()

	// 7ms payloads never line up with 20ms windows.
	pcm := tone(linkFormat, 7*time.Millisecond, 100)
	for range 30 {
		if err := d.process(ctx, pcm); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// 210ms in: 10 whole input windows, one frame lagging behind.
	if got := len(drainFrames(out)); got != 9 {
		t.Fatalf("frames = %d, want 9", got)
	}
}

func TestDownlink_OddPayloadIsConversionError(t *testing.T) {
	t.Parallel()
	d, in, _ := newTestDownlink(t, Config{})
	in.Push([]byte{1, 2, 3})

	err := d.Run(context.Background())
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConversionError", err)
	}
	if ce.Stage != StageDownlink {
		t.Errorf("Stage = %q, want %q", ce.Stage, StageDownlink)
	}
	if !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("err = %v, want wrapping ErrOddLength", err)
	}
}

func TestDownlink_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	d, in, out := newTestDownlink(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	for range 3 {
		in.Push(tone(linkFormat, 20*time.Millisecond, 1))
	}
	waitFor(t, 2*time.Second, "two frames", func() bool { return out.Len() >= 2 })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDownlink_ResetDropsPartialWindow(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDownlink(t, Config{})
	ctx := context.Background()

	// 30ms leaves 10ms waiting for a full input window.
	if err := d.process(ctx, tone(linkFormat, 30*time.Millisecond, 5000)); err != nil {
		t.Fatalf("process: %v", err)
	}
	d.Reset()
	drainFrames(out)

	for range 3 {
		if err := d.process(ctx, tone(linkFormat, 20*time.Millisecond, -200)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	frames := drainFrames(out)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for _, f := range frames {
		for i, s := range audio.BytesToInt16s(f.Data) {
			if s != -200 {
				t.Fatalf("sample %d = %d, want -200 (pre-reset audio leaked)", i, s)
			}
		}
	}
}

func TestDownlink_Polyphase(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDownlink(t, Config{Resampler: resample.KindPolyphase})
	ctx := context.Background()

	for range 50 {
		if err := d.process(ctx, tone(linkFormat, 20*time.Millisecond, 0)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	frames := drainFrames(out)
	// One second of input; the filter delay may hold a few frames back.
	if len(frames) < 35 || len(frames) > 51 {
		t.Fatalf("frames = %d, want 35..51", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != 3840 {
			t.Fatalf("frame %d = %d bytes, want 3840", i, len(f.Data))
		}
	}
}

func TestDownlink_QueueOverflowIsCounted(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	in := audio.NewQueue[[]byte](8)
	out := audio.NewQueue[audio.AudioFrame](2)
	d, err := NewDownlink(in, out, Config{}, m, discardLogger())
	if err != nil {
		t.Fatalf("NewDownlink: %v", err)
	}

	for range 6 {
		if err := d.process(context.Background(), tone(linkFormat, 20*time.Millisecond, 1)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if out.Len() != 2 {
		t.Errorf("queue len = %d, want 2", out.Len())
	}
	if got := counterValue(t, reader, "voxrelay.queue.overflow"); got != 3 {
		t.Errorf("overflow = %d, want 3", got)
	}
}

func TestNewDownlink_RejectsWideLayouts(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	_, err := NewDownlink(audio.NewQueue[[]byte](1), audio.NewQueue[audio.AudioFrame](1),
		Config{PeerFormat: audio.Format{SampleRate: 48000, Channels: 6}}, m, discardLogger())
	if err == nil {
		t.Fatal("expected error for 6 channel peer")
	}
}
