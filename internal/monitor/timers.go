package monitor

import (
	"fmt"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/rules"
)

// Thresholds for the screen-missing and idle timers.
type Thresholds struct {
	ScreenTimeout  time.Duration
	ScreenCooldown time.Duration
	IdleAfter      time.Duration
	IdleCooldown   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ScreenTimeout:  60 * time.Second,
		ScreenCooldown: 15 * time.Second,
		IdleAfter:      120 * time.Second,
		IdleCooldown:   30 * time.Second,
	}
}

// LoadThresholds reads the timer thresholds from policy, keeping the default
// for every key the policy does not define. A nil policy yields the defaults.
func LoadThresholds(policy IncidentPolicy) Thresholds {
	th := DefaultThresholds()
	if policy == nil {
		return th
	}
	read := func(tag models.IncidentCode, key string, dst *time.Duration) {
		if v, ok := policy.Threshold(tag, key); ok && v >= 0 {
			*dst = time.Duration(v * float64(time.Second))
		}
	}
	read(models.IncidentScreenMissing, rules.KeyTimeoutSec, &th.ScreenTimeout)
	read(models.IncidentScreenMissing, rules.KeyCooldownSec, &th.ScreenCooldown)
	read(models.IncidentIdle, rules.KeyIdleSec, &th.IdleAfter)
	read(models.IncidentIdle, rules.KeyCooldownSec, &th.IdleCooldown)
	return th
}

// TimerState is owned by a single session and never shared.
type TimerState struct {
	screenMissing      bool
	screenMissingSince time.Time
	lastScreenAlert    time.Time
	lastIdleAlert      time.Time
}

// ScreenMissing reports whether the screen timer is running and since when.
func (s *TimerState) ScreenMissing() (time.Time, bool) {
	return s.screenMissingSince, s.screenMissing
}

// CheckScreen advances the screen-missing timer for one cycle and returns an
// A4 event when it is due. Presence always resets the timer.
func (s *TimerState) CheckScreen(now time.Time, present bool, th Thresholds) (TimerEvent, bool) {
	if present {
		s.screenMissing = false
		s.screenMissingSince = time.Time{}
		return TimerEvent{}, false
	}
	if !s.screenMissing {
		s.screenMissing = true
		s.screenMissingSince = now
	}

	missing := now.Sub(s.screenMissingSince)
	if missing < th.ScreenTimeout || !cooledDown(now, s.lastScreenAlert, th.ScreenCooldown) {
		return TimerEvent{}, false
	}
	s.lastScreenAlert = now
	return newTimerEvent(models.IncidentScreenMissing, "screen_share_missing", missing, now), true
}

// CheckIdle returns an A11 event when the last heartbeat is at least
// th.IdleAfter old. Without any heartbeat it never fires.
func (s *TimerState) CheckIdle(now, lastHeartbeat time.Time, hasHeartbeat bool, th Thresholds) (TimerEvent, bool) {
	if !hasHeartbeat {
		return TimerEvent{}, false
	}
	idle := now.Sub(lastHeartbeat)
	if idle < th.IdleAfter || !cooledDown(now, s.lastIdleAlert, th.IdleCooldown) {
		return TimerEvent{}, false
	}
	s.lastIdleAlert = now
	return newTimerEvent(models.IncidentIdle, "idle", idle, now), true
}

func cooledDown(now, last time.Time, cooldown time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= cooldown
}

// TimerEvent is a synthetic incident produced by one of the timers.
type TimerEvent struct {
	Incident models.Incident
	Elapsed  time.Duration
}

func newTimerEvent(tag models.IncidentCode, notePrefix string, elapsed time.Duration, now time.Time) TimerEvent {
	return TimerEvent{
		Incident: models.Incident{
			Tag:   tag,
			Level: models.DefaultLevel(tag),
			Note:  fmt.Sprintf("%s_%ds", notePrefix, int(elapsed.Seconds())),
			TS:    now.UnixMilli(),
		},
		Elapsed: elapsed,
	}
}

// Description is the cheating log line for the event.
func (e TimerEvent) Description() string {
	secs := int(e.Elapsed.Seconds())
	switch e.Incident.Tag {
	case models.IncidentScreenMissing:
		return fmt.Sprintf("Screen share missing for %ds", secs)
	case models.IncidentIdle:
		return fmt.Sprintf("Idle for %ds", secs)
	default:
		return models.DefaultMessage(e.Incident.Tag)
	}
}
