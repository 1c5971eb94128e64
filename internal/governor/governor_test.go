package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProbe struct {
	cores    int
	memGB    float64
	coresErr error
	memErr   error
}

func (s stubProbe) Cores() (int, error)                 { return s.cores, s.coresErr }
func (s stubProbe) AvailableMemoryGB() (float64, error) { return s.memGB, s.memErr }

func TestProbeCapacity(t *testing.T) {
	limits := DefaultLimits()
	cases := []struct {
		name  string
		probe Probe
		want  int
	}{
		{"cpu bound", stubProbe{cores: 5, memGB: 64}, 4},
		{"memory bound", stubProbe{cores: 32, memGB: 1.6}, 3},
		{"clamped to min", stubProbe{cores: 1, memGB: 64}, 2},
		{"clamped to max", stubProbe{cores: 64, memGB: 256}, 10},
		{"cores error", stubProbe{coresErr: errors.New("no cpu")}, 2},
		{"memory error", stubProbe{cores: 8, memErr: errors.New("no mem")}, 2},
		{"nil probe", nil, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ProbeCapacity(limits, tc.probe, nil))
		})
	}
}

func TestProbeCapacityRejectsZeroImageEstimate(t *testing.T) {
	limits := Limits{Min: 1, Max: 4, Default: 3}
	assert.Equal(t, 3, ProbeCapacity(limits, stubProbe{cores: 8, memGB: 8}, nil))
}

func TestGovernorNeverExceedsCapacity(t *testing.T) {
	g := New(3)
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func() error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 0, g.InFlight())
}

func TestGovernorAcquireHonoursContext(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.InFlight())
}

func TestNewRaisesCapacity(t *testing.T) {
	assert.Equal(t, 1, New(0).Capacity())
}
