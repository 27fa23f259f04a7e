package pools

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
)

type recordingObserver struct {
	mu       sync.Mutex
	hits     int
	misses   int
	rejected int
	trimmed  int
}

func (o *recordingObserver) Rented(_ string, _ int, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *recordingObserver) Returned(_ string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !ok {
		o.rejected++
	}
}

func (o *recordingObserver) Trimmed(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trimmed += n
}

func testConfig(t *testing.T, monitor pressure.Monitor) Config {
	t.Helper()
	scheduler := trim.NewScheduler(trim.SchedulerConfig{
		Monitor:       monitor,
		WatchInterval: time.Hour,
		Logger:        logging.NewNopLogger(),
	})
	t.Cleanup(scheduler.Stop)

	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.Monitor = monitor
	cfg.Scheduler = scheduler
	cfg.Logger = logging.NewNopLogger()
	cfg.Trim.Period = time.Hour
	return cfg
}

func newTestPool[T any](t *testing.T, monitor pressure.Monitor, mutate func(*Config)) *ArrayPool[T] {
	t.Helper()
	cfg := testConfig(t, monitor)
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewArrayPool[T](cfg)
	if err != nil {
		t.Fatalf("NewArrayPool() error = %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestSelectBucketIndex(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{1, 0},
		{15, 0},
		{16, 0},
		{17, 1},
		{32, 1},
		{33, 2},
		{1000, 6},
		{1024, 6},
		{1025, 7},
		{1 << 20, 16},
	}

	for _, tt := range tests {
		if got := SelectBucketIndex(tt.n); got != tt.want {
			t.Errorf("SelectBucketIndex(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestNewArrayPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero max length", func(c *Config) { c.MaxArrayLength = 0 }, ErrInvalidMaxArrayLength},
		{"zero per bucket", func(c *Config) { c.MaxArraysPerBucket = 0 }, ErrInvalidArraysPerBucket},
		{"negative probe", func(c *Config) { c.ProbeCount = -1 }, ErrInvalidProbeCount},
		{"bad trim rate", func(c *Config) { c.Trim.Rate = 2 }, trim.ErrInvalidRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, pressure.FixedRatio(0))
			tt.mutate(&cfg)
			if _, err := NewArrayPool[byte](cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewArrayPool() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestArrayPool_BucketCount(t *testing.T) {
	tests := []struct {
		maxLength int
		want      int
	}{
		{1, 16},
		{16, 16},
		{1000, 1024},
		{1 << 20, 1 << 20},
	}

	for _, tt := range tests {
		p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) { c.MaxArrayLength = tt.maxLength })
		if got := p.MaxArrayLength(); got != tt.want {
			t.Errorf("MaxArrayLength with config %d = %d, want %d", tt.maxLength, got, tt.want)
		}
	}
}

func TestArrayPool_Rent(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) { c.MaxArrayLength = 1024 })

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"empty", 0, 0},
		{"tiny", 8, 16},
		{"bucket_exact", 64, 64},
		{"between", 100, 128},
		{"largest", 1024, 1024},
		{"oversized", 5000, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := p.Rent(tt.size)
			if len(b) != tt.size {
				t.Errorf("Rent(%d) length = %d", tt.size, len(b))
			}
			if cap(b) != tt.wantCap {
				t.Errorf("Rent(%d) capacity = %d, want %d", tt.size, cap(b), tt.wantCap)
			}
		})
	}
}

func TestArrayPool_RentNegativePanics(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), nil)
	defer func() {
		if r := recover(); r != ErrNegativeLength {
			t.Errorf("Rent(-1) recovered %v, want ErrNegativeLength", r)
		}
	}()
	p.Rent(-1)
}

func TestArrayPool_ReturnAndReuse(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) { c.Observer = obs })

	b := p.Rent(100)
	copy(b, "pixel data")
	first := &b[:cap(b)][0]
	if err := p.Return(b, true); err != nil {
		t.Fatalf("Return() error = %v", err)
	}

	again := p.Rent(120)
	if &again[:cap(again)][0] != first {
		t.Error("Rent after Return did not reuse the array")
	}
	for i, v := range again {
		if v != 0 {
			t.Fatalf("reused array not cleared at %d", i)
		}
	}
	if obs.hits != 1 || obs.misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1 and 1", obs.hits, obs.misses)
	}
}

func TestArrayPool_ReturnForeignBuffer(t *testing.T) {
	if diagnostics.Strict {
		t.Skip("violations panic in strict builds")
	}
	p := newTestPool[byte](t, pressure.FixedRatio(0), nil)

	if err := p.Return(make([]byte, 100), false); !errors.Is(err, ErrBufferNotFromPool) {
		t.Errorf("Return(foreign) error = %v, want ErrBufferNotFromPool", err)
	}
	if err := p.Return(make([]byte, 10<<20), false); err != nil {
		t.Errorf("Return(oversized) error = %v, want nil", err)
	}
	if err := p.Return(nil, false); err != nil {
		t.Errorf("Return(nil) error = %v, want nil", err)
	}
}

func TestArrayPool_ProbesLargerBuckets(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) { c.MaxArraysPerBucket = 1 })

	wantCaps := []int{16, 32, 64, 16}
	var rented [][]byte
	for i, want := range wantCaps {
		b := p.Rent(16)
		if cap(b) != want {
			t.Errorf("rent #%d capacity = %d, want %d", i, cap(b), want)
		}
		rented = append(rented, b)
	}

	// the unpooled fourth array is accepted by its bucket once a slot frees up
	for _, b := range rented {
		if err := p.Return(b, false); err != nil {
			t.Fatalf("Return() error = %v", err)
		}
	}
	if got := p.Stats().Buckets[0].Retained; got != 1 {
		t.Errorf("bucket 0 retained = %d, want 1", got)
	}
}

func TestArrayPool_ProbeCountZero(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) {
		c.MaxArraysPerBucket = 1
		c.ProbeCount = 0
	})

	p.Rent(16)
	if b := p.Rent(16); cap(b) != 16 {
		t.Errorf("second rent capacity = %d, want 16 with probing disabled", cap(b))
	}
	if got := p.Stats().Buckets[1].Rented; got != 0 {
		t.Errorf("bucket 1 rented = %d, want 0", got)
	}
}

func TestArrayPool_FullBucketDrops(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPool[byte](t, pressure.FixedRatio(0), func(c *Config) { c.Observer = obs })

	if err := p.Return(make([]byte, 16), false); err != nil {
		t.Fatalf("Return() error = %v", err)
	}
	if obs.rejected != 1 {
		t.Errorf("rejected = %d, want 1", obs.rejected)
	}
	if got := p.Stats().Buckets[0].Retained; got != 0 {
		t.Errorf("retained = %d, want 0", got)
	}
}

func rentAndReturn[T any](t *testing.T, p *ArrayPool[T], size, count int) {
	t.Helper()
	var held [][]T
	for i := 0; i < count; i++ {
		held = append(held, p.Rent(size))
	}
	for _, b := range held {
		if err := p.Return(b, false); err != nil {
			t.Fatalf("Return() error = %v", err)
		}
	}
}

func TestArrayPool_TrimHighPressure(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPool[byte](t, pressure.FixedRatio(0.95), func(c *Config) { c.Observer = obs })

	rentAndReturn(t, p, 64, 5)
	rentAndReturn(t, p, 4096, 3)
	if got := p.Stats().RetainedBytes; got != 5*64+3*4096 {
		t.Fatalf("retained bytes = %d", got)
	}

	if !p.Trim() {
		t.Fatal("Trim() = false on an open pool")
	}
	stats := p.Stats()
	for _, b := range stats.Buckets {
		if b.Retained != 0 {
			t.Errorf("bucket %d retained = %d after high pressure trim", b.Index, b.Retained)
		}
	}
	if obs.trimmed != 8 {
		t.Errorf("trimmed = %d, want 8", obs.trimmed)
	}
}

func TestArrayPool_TrimLowPressureWaitsForPeriod(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0.1), nil)
	rentAndReturn(t, p, 64, 4)

	now := time.Now()
	if n := p.trimAt(now, pressure.Low); n != 0 {
		t.Errorf("trim before period dropped %d", n)
	}

	later := now.Add(p.settings.Period + time.Second)
	if n := p.trimAt(later, pressure.Low); n != 2 {
		t.Errorf("low trim dropped %d, want 2", n)
	}
	if n := p.trimAt(later, pressure.Low); n != 0 {
		t.Errorf("trim right after a trim dropped %d", n)
	}
	// the trim clock moved forward by a quarter period
	if n := p.trimAt(later.Add(p.settings.Refresh()), pressure.Low); n != 1 {
		t.Errorf("second low trim dropped %d, want 1", n)
	}
}

func TestArrayPool_TrimMediumLargeElements(t *testing.T) {
	p := newTestPool[[8]float64](t, pressure.FixedRatio(0.1), nil)
	rentAndReturn(t, p, 16, 10)

	later := time.Now().Add(p.settings.Period + time.Second)
	// ceil(0.5*10) plus one each for elements over 16 and over 32 bytes
	if n := p.trimAt(later, pressure.Medium); n != 7 {
		t.Errorf("medium trim dropped %d, want 7", n)
	}
}

func TestArrayPool_Close(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), nil)
	rentAndReturn(t, p, 64, 2)

	p.Close()
	p.Close()

	if p.Trim() {
		t.Error("Trim() = true after Close")
	}
	if got := p.Stats().RetainedBytes; got != 0 {
		t.Errorf("retained bytes after Close = %d", got)
	}
	b := p.Rent(64)
	if err := p.Return(b, false); err != nil {
		t.Errorf("Return after Close error = %v", err)
	}
	if got := p.Stats().RetainedBytes; got != 0 {
		t.Errorf("Close retained a returned array")
	}
}

func TestArrayPool_Concurrent(t *testing.T) {
	p := newTestPool[byte](t, pressure.FixedRatio(0), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b := p.Rent(16 + (g*37+i)%4000)
				b[0] = byte(i)
				if err := p.Return(b, false); err != nil {
					t.Errorf("Return() error = %v", err)
					return
				}
				if i%100 == 0 {
					p.Trim()
				}
			}
		}(g)
	}
	wg.Wait()

	for _, b := range p.Stats().Buckets {
		if b.Rented != 0 {
			t.Errorf("bucket %d rented = %d after all returns", b.Index, b.Rented)
		}
	}
}

func TestSharedPool(t *testing.T) {
	b := RentBytes(100)
	if len(b) != 100 || cap(b) != 128 {
		t.Errorf("RentBytes(100) len=%d cap=%d", len(b), cap(b))
	}
	ReturnBytes(b)
	if Shared() != Shared() {
		t.Error("Shared() returned different pools")
	}
}
