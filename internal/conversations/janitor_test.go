package conversations

import (
	"context"
	"testing"
	"time"
)

type countingEvicter struct {
	calls chan time.Duration
}

func (c *countingEvicter) EvictIdle(ttl time.Duration) int {
	c.calls <- ttl
	return 1
}

func TestNewJanitorValidation(t *testing.T) {
	store := NewMemoryStore(Limits{})
	tests := []struct {
		name     string
		store    IdleEvicter
		ttl      time.Duration
		schedule string
		wantErr  bool
	}{
		{name: "defaults", store: store, ttl: time.Minute},
		{name: "cron spec", store: store, ttl: time.Minute, schedule: "*/5 * * * *"},
		{name: "missing store", ttl: time.Minute, wantErr: true},
		{name: "zero ttl", store: store, wantErr: true},
		{name: "bad schedule", store: store, ttl: time.Minute, schedule: "whenever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJanitor(tt.store, tt.ttl, tt.schedule, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewJanitor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJanitorSweepEvictsIdle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore(Limits{}, WithClock(clock.Now))
	_, _ = store.Create(ctx)
	clock.Advance(time.Hour)

	j, err := NewJanitor(store, time.Minute, "", nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	var removed int
	j.OnSweep(func(n int) { removed = n })
	j.Sweep()

	if removed != 1 || store.Count() != 0 {
		t.Fatalf("removed = %d, count = %d", removed, store.Count())
	}
}

func TestJanitorStartRunsSchedule(t *testing.T) {
	evicter := &countingEvicter{calls: make(chan time.Duration, 4)}
	j, err := NewJanitor(evicter, time.Minute, "@every 1s", nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer j.Stop()

	select {
	case ttl := <-evicter.calls:
		if ttl != time.Minute {
			t.Fatalf("ttl = %v, want 1m", ttl)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep did not run")
	}
}
