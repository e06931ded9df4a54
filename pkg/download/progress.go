package download

import (
	"context"
	"time"

	"github.com/urpmd/urpmd/pkg/types"
)

// registerSlot marks slot as actively transferring name, resetting its
// sample window.
func (c *Coordinator) registerSlot(slot int, name string, total int64, source string) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	c.slots[slot] = &types.DownloadProgress{
		Slot: slot, Name: name, BytesTotal: total, Source: source, StartTime: timeNow(),
	}
	c.samples[slot] = nil
}

// updateSlotProgress advances a slot's byte counter as its stream reads,
// appending a new speed sample and trimming the window to
// SpeedWindowSamples.
func (c *Coordinator) updateSlotProgress(slot int, n int64, total int64) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	p, ok := c.slots[slot]
	if !ok {
		return
	}
	p.BytesDone += n
	if total > 0 {
		p.BytesTotal = total
	}

	window := c.cfg.SpeedWindowSamples
	if window <= 0 {
		window = 10
	}
	samples := append(c.samples[slot], sample{t: timeNow(), bytes: p.BytesDone})
	if len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	c.samples[slot] = samples
}

// clearSlot marks a slot idle once its item finishes, regardless of
// outcome.
func (c *Coordinator) clearSlot(slot int) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	delete(c.slots, slot)
	delete(c.samples, slot)
}

// speedFor computes a slot's rolling bytes/sec over its retained sample
// window.
func (c *Coordinator) speedFor(slot int) float64 {
	samples := c.samples[slot]
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.t.Sub(first.t).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// snapshot returns a stable-order copy of every slot, idle ones marked
// inactive, for the polling ticker.
func (c *Coordinator) snapshot() []SlotSnapshot {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()

	out := make([]SlotSnapshot, 0, c.cfg.WorkerSlots)
	for slot := 0; slot < c.cfg.WorkerSlots; slot++ {
		p, ok := c.slots[slot]
		if !ok {
			out = append(out, SlotSnapshot{Slot: slot, Active: false})
			continue
		}
		out = append(out, SlotSnapshot{Slot: slot, Active: true, Progress: *p, Speed: c.speedFor(slot)})
	}
	return out
}

// pollProgress runs until ctx is done or completed reaches total,
// invoking progressCb every ProgressPollInterval with an aggregate
// snapshot.
func (c *Coordinator) pollProgress(ctx context.Context, total int, completedFn func() int, cb ProgressCallback) {
	if cb == nil {
		return
	}
	interval := c.cfg.ProgressPollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slots := c.snapshot()
			var bytesDone, bytesTotal int64
			var current string
			for _, s := range slots {
				if s.Active {
					bytesDone += s.Progress.BytesDone
					bytesTotal += s.Progress.BytesTotal
					if current == "" {
						current = s.Progress.Name
					}
				}
			}
			completed := completedFn()
			cb(current, completed, total, bytesDone, bytesTotal, 0, 0, slots)
			if completed >= total {
				return
			}
		}
	}
}

// timeNow exists so progress bookkeeping has one seam; download never
// needs wall-clock determinism beyond relative sample spacing.
func timeNow() time.Time { return time.Now() }
