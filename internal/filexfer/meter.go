package filexfer

import "time"

// meterAlpha is the EWMA smoothing factor for throughput estimates.
const meterAlpha = 0.2

// meter tracks the advancing offset of one job and keeps a smoothed
// throughput estimate for Status snapshots. Callers synchronize access;
// jobs update their meter under the job lock.
type meter struct {
	lastAt  time.Time
	lastOff uint64
	rate    float64 // bytes/sec
	now     func() time.Time
}

func newMeter(now func() time.Time) *meter {
	if now == nil {
		now = time.Now
	}
	m := &meter{now: now}
	m.lastAt = m.now()
	return m
}

// observe records the job's new absolute offset. A rewind (offset moving
// backwards after a resume) resets the reference point without touching
// the rate.
func (m *meter) observe(off uint64) {
	t := m.now()
	if off < m.lastOff {
		m.lastOff = off
		m.lastAt = t
		return
	}
	dt := t.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(off-m.lastOff) / dt
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = meterAlpha*inst + (1-meterAlpha)*m.rate
	}
	m.lastAt = t
	m.lastOff = off
}

// snapshot returns the smoothed rate and the ETA for the remaining bytes.
// Both are zero until enough progress has been observed to estimate a rate.
func (m *meter) snapshot(remaining uint64) (float64, time.Duration) {
	if m.rate <= 0 {
		return 0, 0
	}
	eta := time.Duration(float64(remaining) / m.rate * float64(time.Second))
	return m.rate, eta
}
