// File: flowctl/flowctl.go
// Author: momentics <momentics@gmail.com>
//
// Bandwidth-derived write throttle (spec §4.7). Generalized from
// original_source/iocore/cluster/nio.cc's once-a-second flow-control
// retune block, rebuilt over an injectable clock so back-off/interval
// tests run deterministically instead of sleeping in real time.

package flowctl

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the flow controller's static bounds (spec §6 enumerated
// configuration: cluster_flow_ctrl_min_bps/max_bps,
// cluster_send_min/max_wait_time, cluster_min/max_loop_interval).
type Config struct {
	MinBitsPerSec int64
	MaxBitsPerSec int64

	MinSendWait time.Duration
	MaxSendWait time.Duration

	MinLoopInterval time.Duration
	MaxLoopInterval time.Duration
}

// Controller samples observed throughput once per second and interpolates
// the two scalars workers read without locking (spec §4.7).
type Controller struct {
	cfg    Config
	clock  clock.Clock
	ticker *clock.Ticker // armed in New, so clock advances made before Run starts still tick

	sendBytes atomic.Int64 // accumulated by callers via AddSentBytes

	sendWait     atomic.Int64 // time.Duration, read via SendWait
	loopInterval atomic.Int64 // time.Duration, read via LoopInterval

	stop chan struct{}
	done chan struct{}
}

// New constructs a Controller with its bounds initialized to the
// configured minimums, matching the original's cold-start state.
func New(cfg Config, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	c := &Controller{cfg: cfg, clock: clk, ticker: clk.Ticker(time.Second), stop: make(chan struct{}), done: make(chan struct{})}
	c.sendWait.Store(int64(cfg.MinSendWait))
	c.loopInterval.Store(int64(cfg.MinLoopInterval))
	return c
}

// AddSentBytes accumulates bytes written by the scheduler since the last
// sample (spec §4.7 "send_bytes delta").
func (c *Controller) AddSentBytes(n int) {
	c.sendBytes.Add(int64(n))
}

// SendWait returns the current per-socket write throttle
// (spec §4.3 "next_write_time = now + send_wait_time").
func (c *Controller) SendWait() time.Duration {
	return time.Duration(c.sendWait.Load())
}

// LoopInterval returns the current worker-loop target interval.
func (c *Controller) LoopInterval() time.Duration {
	return time.Duration(c.loopInterval.Load())
}

// Run samples once per second until ctx-equivalent Stop is called. Intended
// to run in the manager goroutine (spec §4.7 "Once per second in the
// manager thread").
func (c *Controller) Run() {
	defer close(c.done)
	ticker := c.ticker
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// Stop halts Run and waits for it to return.
func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Controller) sample() {
	observed := c.sendBytes.Swap(0) * 8 // bytes -> bits over the 1s interval

	if c.cfg.MaxBitsPerSec <= 0 || observed < c.cfg.MinBitsPerSec {
		c.sendWait.Store(int64(c.cfg.MinSendWait))
		c.loopInterval.Store(int64(c.cfg.MinLoopInterval))
		return
	}

	ratio := float64(observed) / float64(c.cfg.MaxBitsPerSec)
	if ratio > 1.0 {
		ratio = 1.0
	}

	c.sendWait.Store(int64(interpolate(c.cfg.MinSendWait, c.cfg.MaxSendWait, ratio)))
	c.loopInterval.Store(int64(interpolate(c.cfg.MinLoopInterval, c.cfg.MaxLoopInterval, ratio)))
}

// interpolate linearly blends [lo, hi] by ratio in [0, 1].
func interpolate(lo, hi time.Duration, ratio float64) time.Duration {
	return lo + time.Duration(float64(hi-lo)*ratio)
}
