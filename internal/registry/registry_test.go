package registry

import (
	"sync"
	"testing"
	"time"

	"landrop/internal/models"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestUpsertNewDeviceAppends(t *testing.T) {
	r := New()
	r.now = fixedClock(time.Unix(1000, 0))

	if got := r.Upsert(models.Device{ID: "a", Name: "alpha", Address: "10.0.0.2", Port: 8080}); got != Added {
		t.Fatalf("first upsert = %v, want added", got)
	}
	if got := r.Upsert(models.Device{ID: "b", Name: "beta", Address: "10.0.0.3", Port: 8080}); got != Added {
		t.Fatalf("second upsert = %v, want added", got)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].ID != "a" || snap[1].ID != "b" {
		t.Errorf("order = %s,%s, want a,b", snap[0].ID, snap[1].ID)
	}
}

func TestUpsertKnownDeviceReplacesInPlace(t *testing.T) {
	r := New()
	r.now = fixedClock(time.Unix(1000, 0))

	r.Upsert(models.Device{ID: "a", Name: "alpha", Address: "10.0.0.2", Port: 8080})
	r.Upsert(models.Device{ID: "b", Name: "beta", Address: "10.0.0.3", Port: 8080})
	r.Upsert(models.Device{ID: "c", Name: "gamma", Address: "10.0.0.4", Port: 8080})
	before := r.Snapshot()[1].LastSeen

	if got := r.Upsert(models.Device{ID: "b", Name: "beta-2", Address: "10.0.0.9", Port: 9090}); got != Updated {
		t.Fatalf("resight = %v, want updated", got)
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	b := snap[1]
	if b.ID != "b" || b.Name != "beta-2" || b.Address != "10.0.0.9" || b.Port != 9090 {
		t.Errorf("entry = %+v, want replaced fields at position 1", b)
	}
	if !b.LastSeen.After(before) {
		t.Errorf("lastSeen not refreshed: %v <= %v", b.LastSeen, before)
	}
	if snap[0].ID != "a" || snap[2].ID != "c" {
		t.Errorf("neighbours moved: %s,%s", snap[0].ID, snap[2].ID)
	}
}

func TestUpsertSameFieldsIsRefresh(t *testing.T) {
	r := New()
	d := models.Device{ID: "a", Name: "alpha", Address: "10.0.0.2", Port: 8080}
	r.Upsert(d)
	if got := r.Upsert(d); got != Refreshed {
		t.Errorf("got %v, want refreshed", got)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New()
	r.Upsert(models.Device{ID: "a", Name: "alpha"})
	snap := r.Snapshot()
	snap[0].Name = "mutated"

	d, ok := r.Get("a")
	if !ok || d.Name != "alpha" {
		t.Errorf("registry entry changed through snapshot: %+v", d)
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Upsert(models.Device{ID: "a"})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len = %d after clear", r.Len())
	}
	if got := r.Upsert(models.Device{ID: "a"}); got != Added {
		t.Errorf("upsert after clear = %v, want added", got)
	}
}

func TestConcurrentUpsertAndSnapshot(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Upsert(models.Device{ID: string(rune('a' + i)), Port: j + 1})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, d := range r.Snapshot() {
					if d.ID == "" {
						t.Error("partially written device in snapshot")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Errorf("len = %d, want 8", r.Len())
	}
}
