package audio_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/audio/mock"
)

func TestArbiter_ExclusiveOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &mock.Source{}
	arb := audio.NewArbiter(src)
	pipeline := arb.Handle("pipeline")
	dictation := arb.Handle("dictation")

	if err := pipeline.Start(ctx); err != nil {
		t.Fatalf("pipeline Start: %v", err)
	}
	err := dictation.Start(ctx)
	if !errors.Is(err, audio.ErrSourceBusy) {
		t.Fatalf("dictation Start err = %v, want ErrSourceBusy", err)
	}
	if !strings.Contains(err.Error(), `held by "pipeline"`) {
		t.Errorf("busy error %q does not name the owner", err)
	}
	if dictation.Frames() != nil {
		t.Error("non-owner should see a nil frame channel")
	}

	// Stopping the non-owner must not stop the device.
	if err := dictation.Stop(); err != nil {
		t.Fatalf("dictation Stop: %v", err)
	}
	if !src.Running() {
		t.Fatal("source stopped by non-owner")
	}

	if err := pipeline.Stop(); err != nil {
		t.Fatalf("pipeline Stop: %v", err)
	}
	if err := dictation.Start(ctx); err != nil {
		t.Fatalf("dictation Start after release: %v", err)
	}
	if dictation.Frames() == nil {
		t.Error("owner should see the frame channel")
	}
}

func TestHandle_StartIdempotent(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	h := audio.NewArbiter(src).Handle("a")
	for range 3 {
		if err := h.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if got := src.StartCount(); got != 1 {
		t.Errorf("source Start calls = %d, want 1", got)
	}
}

func TestHandle_StartErrorKeepsSourceFree(t *testing.T) {
	t.Parallel()
	src := &mock.Source{StartErr: errors.New("no device")}
	arb := audio.NewArbiter(src)
	if err := arb.Handle("a").Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := arb.Handle("b").Start(context.Background()); errors.Is(err, audio.ErrSourceBusy) {
		t.Errorf("failed start left the source owned: %v", err)
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	close(ch)
	audio.Drain(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be drained")
	}
}
