package triplog

import (
	"context"
	"testing"
	"time"

	"github.com/example/ambu-dispatch/internal/models"
)

func record(id string, at time.Time) models.TripRecord {
	return models.TripRecord{
		RideID:      id,
		DriverID:    "d1",
		Fare:        300,
		Vehicle:     models.VehicleBLS,
		CompletedAt: at,
	}
}

func TestMemoryLogRecentOrdering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"r1", "r2", "r3"} {
		if err := l.Record(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RideID != "r3" || got[1].RideID != "r2" {
		t.Fatalf("expected newest first [r3 r2], got %+v", got)
	}
}

func TestMemoryLogRecentLimitPastEnd(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	_ = l.Record(ctx, record("r1", time.Unix(1700000000, 0)))

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RideID != "r1" {
		t.Fatalf("expected the single trip, got %+v", got)
	}

	got, err = l.Recent(ctx, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("limit 0 should return nothing, got %+v %v", got, err)
	}
}
