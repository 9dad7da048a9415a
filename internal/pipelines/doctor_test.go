package pipelines

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCachedDoctor_CoalescesProbes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls.Add(1)
			<-release
			return &Capabilities{HasFaces: true, ProbedAt: time.Now()}, nil
		},
	}
	doc := NewCachedDoctor(fake, nil)

	var wg sync.WaitGroup
	results := make([]*Capabilities, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = doc.Refresh(context.Background())
		}()
	}
	// let the goroutines join the in-flight probe
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("doctor calls = %d, want 1", n)
	}
	for i, caps := range results {
		if caps == nil || !caps.HasFaces {
			t.Errorf("result %d = %+v", i, caps)
		}
	}
}

func TestCachedDoctor_StaleOnFailure(t *testing.T) {
	fail := false
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			if fail {
				return nil, errors.New("python crashed")
			}
			return &Capabilities{HasVAE: true, ProbedAt: time.Now()}, nil
		},
	}
	doc := NewCachedDoctor(fake, nil)
	ctx := context.Background()

	if _, err := doc.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	fail = true
	caps, err := doc.Refresh(ctx)
	if err != nil || caps == nil || !caps.HasVAE {
		t.Errorf("Refresh() = %+v, %v; want stale caps", caps, err)
	}

	doc.Invalidate()
	if _, err := doc.Refresh(ctx); err == nil {
		t.Error("expected error with no cached result")
	}
}

func TestCapabilities_Missing(t *testing.T) {
	caps := &Capabilities{HasFaces: true, HasUNet: true}
	if got := caps.Missing(); !slices.Equal(got, []string{"vae", "features"}) {
		t.Errorf("Missing() = %v", got)
	}
	if caps.Ready() {
		t.Error("Ready() should be false without vae")
	}
	var nilCaps *Capabilities
	if nilCaps.Ready() {
		t.Error("nil capabilities are not ready")
	}
}
