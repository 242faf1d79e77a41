package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const minTimerInterval = time.Second

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t == Timer{}
}

var (
	schedulerInterval  atomic.Int64
	schedulerListeners []chan time.Duration
	listenersMu        sync.Mutex
)

// SetBetweenTime recomputes derived intervals from the current settings and wakes listeners.
func SetBetweenTime() {
	setSchedulerInterval(CalculateBetweenTime(GetConfig().Scheduler.Timer))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	d := time.Duration(CalculateMillisecondsOfPeriod(timer)) * time.Millisecond
	if d < minTimerInterval {
		return minTimerInterval
	}
	return d
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func GetSchedulerInterval() time.Duration {
	return time.Duration(schedulerInterval.Load())
}

// SchedulerIntervalUpdates yields the current interval immediately and every later change.
func SchedulerIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	schedulerListeners = append(schedulerListeners, ch)
	listenersMu.Unlock()

	ch <- GetSchedulerInterval()
	return ch
}

func setSchedulerInterval(interval time.Duration) {
	if interval < minTimerInterval {
		interval = minTimerInterval
	}
	if time.Duration(schedulerInterval.Swap(int64(interval))) == interval {
		return
	}

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range schedulerListeners {
		// Drop a stale pending value so the listener always sees the newest interval.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}
