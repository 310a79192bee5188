package render

import (
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/designloop/raster"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine mimics a browser engine: it acquires a tracker slot for the
// duration of the call and either succeeds with a white page or fails.
type fakeEngine struct {
	tracker *Tracker
	fail    error
	delay   time.Duration
	calls   atomic.Int64
}

func (f *fakeEngine) Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
	f.calls.Add(1)
	release := f.tracker.Acquire()
	defer release()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, failure("fake", ReasonTimeout, ctx, ctx.Err())
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return raster.Solid(vp.Width, vp.Height, color.White), nil
}

func TestChain_PrimarySucceeds(t *testing.T) {
	primary := &fakeEngine{}
	secondary := &fakeEngine{}
	c := NewChain(quietLogger(), Stage{Name: "rod", Renderer: primary}, Stage{Name: "chromedp", Renderer: secondary})

	res, err := c.RenderResult(context.Background(), Document{Markup: "<p>x</p>"}, Tablet)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Stage != "rod" || res.Fallback {
		t.Fatalf("got stage %q fallback %v, want rod/false", res.Stage, res.Fallback)
	}
	if secondary.calls.Load() != 0 {
		t.Fatal("secondary called after primary success")
	}
	if res.Image.Width() != Tablet.Width || res.Image.Height() != Tablet.Height {
		t.Fatalf("got %dx%d", res.Image.Width(), res.Image.Height())
	}
}

func TestChain_SecondaryAfterPrimaryFailure(t *testing.T) {
	primary := &fakeEngine{fail: &RenderFailure{Engine: "rod", Reason: ReasonLaunch, Err: errors.New("crash")}}
	secondary := &fakeEngine{}
	c := NewChain(quietLogger(), Stage{Name: "rod", Renderer: primary}, Stage{Name: "chromedp", Renderer: secondary})

	res, err := c.RenderResult(context.Background(), Document{}, Desktop)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Stage != "chromedp" || res.Fallback {
		t.Fatalf("got stage %q fallback %v", res.Stage, res.Fallback)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Reason != ReasonLaunch || res.Attempts[0].Error == "" {
		t.Fatalf("first attempt = %+v", res.Attempts[0])
	}
}

func TestChain_FallbackGuarantee(t *testing.T) {
	for _, vp := range Viewports() {
		t.Run(vp.Name, func(t *testing.T) {
			crash := &fakeEngine{fail: errors.New("simulated crash")}
			c := NewChain(quietLogger(), Stage{Name: "rod", Renderer: crash})

			res, err := c.RenderResult(context.Background(), Document{Markup: "<div>A</div>"}, vp)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if !res.Fallback || res.Stage != PlaceholderStage {
				t.Fatalf("got stage %q fallback %v, want placeholder", res.Stage, res.Fallback)
			}
			if res.Image.Width() != vp.Width || res.Image.Height() != vp.Height {
				t.Fatalf("placeholder %dx%d, want %dx%d", res.Image.Width(), res.Image.Height(), vp.Width, vp.Height)
			}
			if got := res.Image.NRGBAAt(0, 0); got != PlaceholderColor {
				t.Fatalf("placeholder colour %v, want %v", got, PlaceholderColor)
			}
		})
	}
}

func TestChain_NoStages(t *testing.T) {
	c := NewChain(nil)
	img, err := c.Render(context.Background(), Document{}, Mobile)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if img.Width() != Mobile.Width {
		t.Fatalf("width %d", img.Width())
	}
}

func TestChain_EmptyImageRejected(t *testing.T) {
	empty := RenderFunc(func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
		return raster.New(0, 0), nil
	})
	c := NewChain(quietLogger(), Stage{Name: "empty", Renderer: empty})
	res, err := c.RenderResult(context.Background(), Document{}, Desktop)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !res.Fallback {
		t.Fatal("zero-area image accepted")
	}
	if res.Attempts[0].Reason != ReasonTooSmall {
		t.Fatalf("reason = %q, want %q", res.Attempts[0].Reason, ReasonTooSmall)
	}
}

func TestChain_PanicContained(t *testing.T) {
	boom := RenderFunc(func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
		panic("engine exploded")
	})
	c := NewChain(quietLogger(), Stage{Name: "boom", Renderer: boom})
	res, err := c.RenderResult(context.Background(), Document{}, Desktop)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !res.Fallback || res.Attempts[0].Reason != ReasonPanic {
		t.Fatalf("got %+v", res.Attempts)
	}
}

func TestChain_ExhaustedWithoutPlaceholder(t *testing.T) {
	crash := &fakeEngine{fail: errors.New("simulated crash")}
	c := NewChain(quietLogger(), Stage{Name: "rod", Renderer: crash}).WithoutPlaceholder()

	_, err := c.Render(context.Background(), Document{}, Desktop)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("got %v, want ErrExhausted", err)
	}
}

func TestChain_CancelledSkipsEnginesKeepsPlaceholder(t *testing.T) {
	engine := &fakeEngine{}
	c := NewChain(quietLogger(), Stage{Name: "rod", Renderer: engine})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.RenderResult(ctx, Document{}, Desktop)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if engine.calls.Load() != 0 {
		t.Fatal("engine called with cancelled context")
	}
	if !res.Fallback {
		t.Fatal("placeholder not used")
	}
	if res.Attempts[0].Reason != ReasonCancelled {
		t.Fatalf("reason = %q", res.Attempts[0].Reason)
	}
}

func TestChain_BreakerSkipsFailingStage(t *testing.T) {
	crash := &fakeEngine{fail: errors.New("simulated crash")}
	c := NewChain(quietLogger(), Stage{
		Name:     "rod",
		Renderer: crash,
		Breaker:  NewBreaker(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Hour)),
	})

	for i := 0; i < 4; i++ {
		if _, err := c.Render(context.Background(), Document{}, Desktop); err != nil {
			t.Fatalf("render %d: %v", i, err)
		}
	}
	if got := crash.calls.Load(); got != 2 {
		t.Fatalf("engine called %d times, want 2", got)
	}
	res, _ := c.RenderResult(context.Background(), Document{}, Desktop)
	if res.Attempts[0].Reason != ReasonBreakerOpen {
		t.Fatalf("reason = %q, want %q", res.Attempts[0].Reason, ReasonBreakerOpen)
	}
}

func TestTracker_NoLeakUnderConcurrency(t *testing.T) {
	tracker := &Tracker{}
	ok := &fakeEngine{tracker: tracker, delay: 5 * time.Millisecond}
	bad := &fakeEngine{tracker: tracker, delay: 5 * time.Millisecond, fail: errors.New("crash")}
	slow := &fakeEngine{tracker: tracker, delay: time.Second}

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var c *Chain
			switch i % 3 {
			case 0:
				c = NewChain(quietLogger(), Stage{Name: "ok", Renderer: ok})
			case 1:
				c = NewChain(quietLogger(), Stage{Name: "bad", Renderer: bad}, Stage{Name: "ok", Renderer: ok})
			default:
				c = NewChain(quietLogger(), Stage{Name: "slow", Renderer: slow})
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if _, err := c.Render(ctx, Document{}, Mobile); err != nil {
				t.Errorf("render %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if live := tracker.Live(); live != 0 {
		t.Fatalf("live = %d after %d renders, want 0", live, n)
	}
	if tracker.Launched() == 0 {
		t.Fatal("tracker never acquired")
	}
}

func TestTracker_ReleaseIdempotent(t *testing.T) {
	tr := &Tracker{}
	release := tr.Acquire()
	release()
	release()
	if tr.Live() != 0 {
		t.Fatalf("live = %d", tr.Live())
	}
	var nilTracker *Tracker
	nilTracker.Acquire()()
	if nilTracker.Live() != 0 {
		t.Fatal("nil tracker not zero")
	}
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int64
	r := RenderFunc(func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return raster.Solid(1, 1, color.White), nil
	})
	limited := Limit(r, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := limited.Render(context.Background(), Document{}, Desktop); err != nil {
				t.Errorf("render: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d, want <= 2", peak.Load())
	}
}

func TestLimiter_HonoursContext(t *testing.T) {
	block := make(chan struct{})
	r := RenderFunc(func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
		<-block
		return raster.Solid(1, 1, color.White), nil
	})
	l := NewLimiter(1)
	limited := l.Wrap("r", r)

	go limited.Render(context.Background(), Document{}, Desktop)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := limited.Render(ctx, Document{}, Desktop)
	close(block)

	var rf *RenderFailure
	if !errors.As(err, &rf) || rf.Reason != ReasonTimeout {
		t.Fatalf("got %v, want timeout RenderFailure", err)
	}
}

func TestRenderFailure_Classification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := failure("rod", ReasonNavigate, ctx, errors.New("navigation failed"))
	if err.Reason != ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", err.Reason)
	}
	if err.Unwrap() == nil {
		t.Fatal("cause dropped")
	}

	err = failure("rod", ReasonCapture, context.Background(), errors.New("x"))
	if err.Reason != ReasonCapture {
		t.Fatalf("reason = %q, want capture", err.Reason)
	}
}

func TestDecodeScreenshot_TooSmall(t *testing.T) {
	_, err := decodeScreenshot("rod", []byte("tiny"), MinScreenshotBytes)
	var rf *RenderFailure
	if !errors.As(err, &rf) || rf.Reason != ReasonTooSmall {
		t.Fatalf("got %v", err)
	}
}
