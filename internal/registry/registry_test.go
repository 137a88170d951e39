package registry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envrelay/frame"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

func at(sec int64) time.Time { return time.Unix(sec, 0) }

type recordSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (self *recordSink) Forward(ctx context.Context, r Record) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.records = append(self.records, r)
	return self.err
}

func (self *recordSink) Records() []Record {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Record(nil), self.records...)
}

func TestScanAndForwardInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(log2.NewTest(t, log2.LDebug))
	sink := &recordSink{}

	require.NoError(t, r.RecordObservation("A", frame.MustEncode(frame.Frame{Temperature: 21.5, Humidity: 40, CPUTemperature: 45}), at(0)))
	assert.Equal(t, 0, r.ScanAndForward(ctx, at(30), 60*time.Second, sink))
	assert.Equal(t, 1, r.ScanAndForward(ctx, at(65), 60*time.Second, sink))
	assert.Equal(t, 0, r.ScanAndForward(ctx, at(70), 60*time.Second, sink))
	assert.Equal(t, 0, r.ScanAndForward(ctx, at(124), 60*time.Second, sink))
	assert.Equal(t, 1, r.ScanAndForward(ctx, at(125), 60*time.Second, sink))

	rs := sink.Records()
	require.Len(t, rs, 2)
	assert.Equal(t, "A", rs[0].DeviceID)
	assert.Equal(t, 21.5, rs[0].Temperature)
	assert.Equal(t, 40.0, rs[0].Humidity)
	assert.Equal(t, 45.0, rs[0].CPUTemperature)
	assert.Equal(t, at(0), rs[0].LastObservedAt)
	assert.Equal(t, Never, rs[0].LastForwardedAt)
	assert.Equal(t, at(65), rs[1].LastForwardedAt)

	rec, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, at(125), rec.LastForwardedAt)
}

func TestRecordObservation(t *testing.T) {
	t.Parallel()
	r := New(nil)

	require.NoError(t, r.RecordObservation("B", frame.MustEncode(frame.Frame{Temperature: 10, Humidity: 20, CPUTemperature: 30}), at(1)))
	r.ScanAndForward(context.Background(), at(100), time.Minute, SinkFunc(func(context.Context, Record) error { return nil }))
	require.NoError(t, r.RecordObservation("B", frame.MustEncode(frame.Frame{Temperature: 11, Humidity: 21, CPUTemperature: 31}), at(110)))
	rec, ok := r.Get("B")
	require.True(t, ok)
	assert.Equal(t, Record{DeviceID: "B", Temperature: 11, Humidity: 21, CPUTemperature: 31,
		LastObservedAt: at(110), LastForwardedAt: at(100)}, rec)

	err := r.RecordObservation("B", []byte{1, 2, 3}, at(120))
	assert.Equal(t, frame.ErrMalformed, errors.Cause(err))
	rec2, _ := r.Get("B")
	assert.Equal(t, rec, rec2)

	err = r.RecordObservation("C", nil, at(120))
	assert.Equal(t, frame.ErrMalformed, errors.Cause(err))
	_, ok = r.Get("C")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestForwardFailureStillStamps(t *testing.T) {
	t.Parallel()
	r := New(log2.NewTest(t, log2.LDebug))
	var results []ForwardResult
	var mu sync.Mutex
	r.OnForward = func(fr ForwardResult) {
		mu.Lock()
		results = append(results, fr)
		mu.Unlock()
	}
	sink := &recordSink{err: fmt.Errorf("connection refused")}
	require.NoError(t, r.RecordObservation("A", frame.MustEncode(frame.Frame{Temperature: 1, Humidity: 2, CPUTemperature: 3}), at(0)))
	assert.Equal(t, 1, r.ScanAndForward(context.Background(), at(100), time.Minute, sink))
	rec, _ := r.Get("A")
	assert.Equal(t, at(100), rec.LastForwardedAt)
	assert.Equal(t, 0, r.ScanAndForward(context.Background(), at(101), time.Minute, sink))
	require.Len(t, results, 1)
	assert.EqualError(t, results[0].Err, "connection refused")
}

func TestDevicesSorted(t *testing.T) {
	t.Parallel()
	r := New(nil)
	payload := frame.MustEncode(frame.Frame{Temperature: 1, Humidity: 2, CPUTemperature: 3})
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.RecordObservation(id, payload, at(0)))
	}
	ds := r.Devices()
	require.Len(t, ds, 3)
	assert.Equal(t, "a", ds[0].DeviceID)
	assert.Equal(t, "c", ds[2].DeviceID)
}

func TestInflightNoDuplicate(t *testing.T) {
	t.Parallel()
	r := New(log2.NewTest(t, log2.LDebug))
	require.NoError(t, r.RecordObservation("A", frame.MustEncode(frame.Frame{Temperature: 1, Humidity: 2, CPUTemperature: 3}), at(0)))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls int32
	slow := SinkFunc(func(ctx context.Context, rec Record) error {
		atomic.AddInt32(&calls, 1)
		entered <- struct{}{}
		<-release
		return nil
	})
	done := make(chan int)
	go func() { done <- r.ScanAndForward(context.Background(), at(100), time.Minute, slow) }()
	<-entered

	// lock is not held by slow sink
	require.NoError(t, r.RecordObservation("A", frame.MustEncode(frame.Frame{Temperature: 4, Humidity: 5, CPUTemperature: 6}), at(101)))
	assert.Equal(t, 0, r.ScanAndForward(context.Background(), at(200), time.Minute, slow))

	close(release)
	assert.Equal(t, 1, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	rec, _ := r.Get("A")
	assert.Equal(t, 4.0, rec.Temperature)
	assert.Equal(t, at(100), rec.LastForwardedAt)
}

func TestConcurrentNoTornRecords(t *testing.T) {
	t.Parallel()
	const writers = 8
	const duration = 200 * time.Millisecond
	r := New(nil)
	r.Concurrency = 3

	consistent := func(rec Record) bool {
		k1 := math.Round(rec.Temperature * frame.ScaleTemperature)
		k2 := math.Round(rec.Humidity * frame.ScaleHumidity)
		k3 := math.Round(rec.CPUTemperature * frame.ScaleCPUTemperature)
		return k1 == k2 && k2 == k3
	}
	var torn int32
	sink := SinkFunc(func(ctx context.Context, rec Record) error {
		if !consistent(rec) {
			atomic.AddInt32(&torn, 1)
		}
		return nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rand := helpers.RandUnix()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				k := float64(rand.Intn(3000))
				payload := frame.MustEncode(frame.Frame{
					Temperature:    k / frame.ScaleTemperature,
					Humidity:       k / frame.ScaleHumidity,
					CPUTemperature: k / frame.ScaleCPUTemperature,
				})
				id := fmt.Sprintf("dev%d", (w+i)%5)
				if err := r.RecordObservation(id, payload, time.Now()); err != nil {
					t.Error(err)
					return
				}
				if rec, ok := r.Get(id); ok && !consistent(rec) {
					atomic.AddInt32(&torn, 1)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.ScanAndForward(context.Background(), time.Now(), 0, sink)
		}
	}()
	time.Sleep(duration)
	close(stop)
	wg.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&torn))
	assert.Equal(t, 5, r.Len())
}

func TestForwarderRun(t *testing.T) {
	t.Parallel()
	r := New(log2.NewTest(t, log2.LDebug))
	require.NoError(t, r.RecordObservation("A", frame.MustEncode(frame.Frame{Temperature: 1, Humidity: 2, CPUTemperature: 3}), time.Now()))
	sink := &recordSink{}
	fw := &Forwarder{
		Registry: r,
		Sink:     sink,
		Interval: time.Hour,
		Tick:     time.Millisecond,
		Log:      log2.NewTest(t, log2.LDebug),
	}
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() { errch <- fw.Run(ctx) }()
	require.Eventually(t, func() bool { return len(sink.Records()) >= 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.Equal(t, context.Canceled, <-errch)
	assert.Len(t, sink.Records(), 1)
}
