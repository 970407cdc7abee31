package platform

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DryRun pretends to publish. It is the default adapter for local runs and
// lets operators rehearse failure handling through FailureRate.
type DryRun struct {
	Latency     time.Duration
	FailureRate float64
	FailureKind Kind

	mu  sync.Mutex
	rng *rand.Rand
}

func NewDryRun(latency time.Duration, failureRate float64, kind Kind) *DryRun {
	if kind == "" {
		kind = KindServiceUnavailable
	}
	return &DryRun{
		Latency:     latency,
		FailureRate: failureRate,
		FailureKind: kind,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *DryRun) Publish(ctx context.Context, platform string, c Content) (string, error) {
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if d.FailureRate > 0 {
		d.mu.Lock()
		roll := d.rng.Float64()
		d.mu.Unlock()
		if roll < d.FailureRate {
			return "", Errorf(d.FailureKind, "dry run failure for %s", platform)
		}
	}
	return "dryrun-" + Normalize(platform) + "-" + uuid.NewString(), nil
}
