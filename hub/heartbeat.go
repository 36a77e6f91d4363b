package hub

import (
	"sync"
	"sync/atomic"
	"time"

	gohttp "github.com/panyam/collabws/http"
	"github.com/rs/zerolog"
)

// Heartbeat probes every registered connection on a fixed period and evicts
// the ones that did not answer the previous probe. It owns a single ticker
// for the whole registry.
type Heartbeat struct {
	registry *Registry
	period   time.Duration
	logger   zerolog.Logger
	metrics  *Metrics

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a stopped heartbeat over registry.
func NewHeartbeat(registry *Registry, period time.Duration, logger zerolog.Logger, metrics *Metrics) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		period:   period,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Period returns the sweep period.
func (hb *Heartbeat) Period() time.Duration { return hb.period }

// Start launches the sweep loop. Calling Start more than once, or after Stop,
// does nothing.
func (hb *Heartbeat) Start() {
	select {
	case <-hb.stop:
		return
	default:
	}
	if !hb.started.CompareAndSwap(false, true) {
		return
	}
	go hb.loop()
}

// Stop cancels the ticker and waits for an in-flight sweep to finish. It is
// safe to call any number of times.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() {
		close(hb.stop)
		hb.logger.Debug().Msg("heartbeat stopped")
	})
	if hb.started.Load() {
		<-hb.done
	}
}

func (hb *Heartbeat) loop() {
	defer close(hb.done)
	ticker := time.NewTicker(hb.period)
	defer ticker.Stop()
	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
			hb.Sweep()
		}
	}
}

// Sweep runs one heartbeat tick over a snapshot of the registry and returns
// how many probes went out and how many connections were evicted. Probes are
// sent concurrently so a stalled peer only delays its own probe; Sweep
// returns once every probe write has completed or timed out.
func (hb *Heartbeat) Sweep() (probed, evicted int) {
	var (
		wg               sync.WaitGroup
		nProbed, nEvicts atomic.Int32
	)
	hb.registry.ForEach(func(m Member) {
		switch m.Liveness().Tick() {
		case gohttp.SendProbe:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.Ping(); err != nil {
					m.Liveness().MarkEvicted()
					hb.logger.Debug().Err(err).Str("conn", m.ConnId()).Msg("probe send failed")
					hb.evict(m, EvictProbeFailed)
					nEvicts.Add(1)
					return
				}
				nProbed.Add(1)
			}()
		case gohttp.Evict:
			hb.evict(m, EvictUnresponsive)
			nEvicts.Add(1)
		}
	})
	wg.Wait()
	return int(nProbed.Load()), int(nEvicts.Load())
}

func (hb *Heartbeat) evict(m Member, reason string) {
	removed := hb.registry.Remove(m)
	m.Terminate()
	hb.metrics.evicted(reason)
	hb.logger.Info().
		Str("conn", m.ConnId()).
		Str("remote", m.RemoteAddr()).
		Str("reason", reason).
		Bool("removed", removed).
		Int("remaining", hb.registry.Size()).
		Msg("terminating inactive connection")
}
