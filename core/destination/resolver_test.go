package destination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AirbandBridge/core/matrix"
	"AirbandBridge/model"
)

type fakeRooms struct {
	calls   int32
	delay   time.Duration
	mu      sync.Mutex
	specs   []matrix.RoomSpec
	failFor map[string][]error // alias localpart -> 依次返回的错误
}

func (f *fakeRooms) CreateOrFindRoom(ctx context.Context, spec matrix.RoomSpec) (*matrix.Room, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if errs := f.failFor[spec.AliasLocalpart]; len(errs) > 0 {
		f.failFor[spec.AliasLocalpart] = errs[1:]
		return nil, errs[0]
	}
	return &matrix.Room{
		ID:      "!" + spec.AliasLocalpart + ":example.org",
		Alias:   "#" + spec.AliasLocalpart + ":example.org",
		Created: true,
	}, nil
}

type memStore struct {
	mu   sync.Mutex
	data map[int64]model.Destination
}

func (s *memStore) GetDestination(_ context.Context, freq int64) (*model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[freq]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *memStore) SetDestination(_ context.Context, d *model.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[d.Channel.FrequencyHz] = *d
	return nil
}

var repeater = model.Channel{FrequencyHz: 146145000, Label: "146.145MHz", Enabled: true}

func TestResolveConcurrentSingleCreate(t *testing.T) {
	rooms := &fakeRooms{delay: 20 * time.Millisecond}
	r := NewResolver(rooms, nil)

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Resolve(context.Background(), repeater)
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			ids[i] = d.RemoteID
		}(i)
	}
	wg.Wait()

	if c := atomic.LoadInt32(&rooms.calls); c != 1 {
		t.Errorf("remote calls = %d, want 1", c)
	}
	for i, id := range ids {
		if id != "!146.145MHz:example.org" {
			t.Errorf("ids[%d] = %q", i, id)
		}
	}

	// 之后的调用直接命中缓存
	if _, err := r.Resolve(context.Background(), repeater); err != nil {
		t.Fatal(err)
	}
	if c := atomic.LoadInt32(&rooms.calls); c != 1 {
		t.Errorf("remote calls after cache = %d, want 1", c)
	}
}

func TestRoomSpecNaming(t *testing.T) {
	spec := RoomSpecFor(model.Channel{FrequencyHz: 118500000, Label: "Tower"})
	if spec.AliasLocalpart != "118.500MHz" {
		t.Errorf("AliasLocalpart = %q", spec.AliasLocalpart)
	}
	if spec.Name != "Recordings for Tower" {
		t.Errorf("Name = %q", spec.Name)
	}
	if spec.Topic != "Audio recordings for frequency 118.500MHz" {
		t.Errorf("Topic = %q", spec.Topic)
	}
}

func TestResolvePropagatesRemoteErrors(t *testing.T) {
	limited := &matrix.RateLimitedError{Op: "create room", RetryAfter: time.Second}
	rooms := &fakeRooms{failFor: map[string][]error{"146.145MHz": {limited}}}
	r := NewResolver(rooms, nil)

	_, err := r.Resolve(context.Background(), repeater)
	var rl *matrix.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != time.Second {
		t.Fatalf("Resolve() error = %v, want RateLimitedError", err)
	}
	if len(r.Destinations()) != 0 {
		t.Error("failed resolution must not be cached")
	}

	if _, err := r.Resolve(context.Background(), repeater); err != nil {
		t.Errorf("second Resolve() error = %v", err)
	}
}

func TestResolveUsesStore(t *testing.T) {
	store := &memStore{data: map[int64]model.Destination{
		146145000: {RemoteID: "!cached:example.org", Alias: "#146.145MHz:example.org"},
	}}
	rooms := &fakeRooms{}
	r := NewResolver(rooms, store)

	d, err := r.Resolve(context.Background(), repeater)
	if err != nil {
		t.Fatal(err)
	}
	if d.RemoteID != "!cached:example.org" || d.Channel.Label != repeater.Label {
		t.Errorf("destination = %+v", d)
	}
	if c := atomic.LoadInt32(&rooms.calls); c != 0 {
		t.Errorf("remote calls = %d, want 0", c)
	}

	tower := model.Channel{FrequencyHz: 118500000, Label: "Tower", Enabled: true}
	if _, err := r.Resolve(context.Background(), tower); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetDestination(context.Background(), tower.FrequencyHz); got == nil || got.RemoteID != "!118.500MHz:example.org" {
		t.Errorf("store entry = %+v, want written after remote resolve", got)
	}
}

func TestSweepRetriesTransientAndSkipsPermanent(t *testing.T) {
	tower := model.Channel{FrequencyHz: 118500000, Label: "Tower", Enabled: true}
	rooms := &fakeRooms{failFor: map[string][]error{
		"146.145MHz": {
			&matrix.RemoteUnavailableError{Op: "resolve alias", Err: errors.New("connection refused")},
			&matrix.RateLimitedError{Op: "create room", RetryAfter: time.Millisecond},
		},
		"118.500MHz": {&matrix.RemoteError{Op: "create room", Status: 403, Code: "M_FORBIDDEN"}},
	}}
	r := NewResolver(rooms, nil)
	r.SetSweepBackoff(time.Millisecond, 5*time.Millisecond)

	if err := r.Sweep(context.Background(), []model.Channel{repeater, tower}); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	dests := r.Destinations()
	if len(dests) != 1 || dests[0].Channel.FrequencyHz != repeater.FrequencyHz {
		t.Errorf("Destinations() = %+v, want only the repeater", dests)
	}
	if c := atomic.LoadInt32(&rooms.calls); c != 4 {
		t.Errorf("remote calls = %d, want 4 (3 for repeater, 1 for tower)", c)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = &matrix.RemoteUnavailableError{Op: "resolve alias", Err: errors.New("down")}
	}
	rooms := &fakeRooms{failFor: map[string][]error{"146.145MHz": errs}}
	r := NewResolver(rooms, nil)
	r.SetSweepBackoff(5*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Sweep(ctx, []model.Channel{repeater}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sweep() error = %v, want deadline exceeded", err)
	}
}
