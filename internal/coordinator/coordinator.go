package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homefleet/proair-bridge/internal/datadog"
	"github.com/homefleet/proair-bridge/internal/model"
	"github.com/homefleet/proair-bridge/internal/notifications"
)

// ErrUpdateFailed is the single error consumers see when a refresh cycle
// fails for any reason. The cause is logged, not propagated.
var ErrUpdateFailed = errors.New("device state refresh failed")

// API is the slice of the cloud client the coordinator needs.
type API interface {
	Login(ctx context.Context) error
	GetDeviceState(ctx context.Context, device model.Device, pin string) (*model.DeviceState, error)
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	return notifications.Send(title, message)
}

// Target is one controller the coordinator polls each cycle.
type Target struct {
	PlantID   int
	PlantName string
	Device    model.Device
	PIN       string
}

type Config struct {
	Interval              time.Duration
	CycleTimeout          time.Duration
	FailureAlertThreshold int
}

// Service polls every paired controller on a fixed interval and publishes
// the merged result as an immutable snapshot. Consumers read the latest
// snapshot; they never talk to the cloud directly.
type Service struct {
	api     API
	targets []Target

	interval       time.Duration
	cycleTimeout   time.Duration
	alertThreshold int

	mutex        sync.RWMutex
	snapshot     *model.Snapshot
	lastErr      error
	consecFails  int
	alertedFails bool

	refreshCh chan struct{}
	notifier  Notifier
}

func New(api API, targets []Target, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 3
	}
	return &Service{
		api:            api,
		targets:        targets,
		interval:       cfg.Interval,
		cycleTimeout:   cfg.CycleTimeout,
		alertThreshold: cfg.FailureAlertThreshold,
		refreshCh:      make(chan struct{}, 1),
		notifier:       &realNotifier{},
	}
}

// Run drives the poll loop until ctx is cancelled. The first cycle runs
// immediately so consumers have a snapshot as soon as possible.
func (s *Service) Run(ctx context.Context) {
	log.Info().
		Int("devices", len(s.targets)).
		Dur("interval", s.interval).
		Msg("Starting device state coordinator")

	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Coordinator stopped")
			return
		case <-ticker.C:
			s.refresh(ctx)
		case <-s.refreshCh:
			s.refresh(ctx)
		}
	}
}

// RequestRefresh schedules an out-of-band refresh without blocking the
// caller. Requests arriving while one is already pending coalesce.
func (s *Service) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the most recently published snapshot, or nil if no
// cycle has succeeded yet.
func (s *Service) Snapshot() *model.Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshot
}

// LastError returns the error from the most recent cycle, nil on success.
func (s *Service) LastError() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastErr
}

// refresh runs one cycle, retrying the whole cycle once if it timed out.
// A cycle that fails for any other reason is not retried here; per-device
// re-login retries happen inside runCycle.
func (s *Service) refresh(ctx context.Context) {
	start := time.Now()

	snap, err := s.runCycle(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Dur("elapsed", time.Since(start)).Msg("Refresh cycle timed out, retrying once")
		datadog.Count("coordinator.cycle_timeout", 1)
		snap, err = s.runCycle(ctx)
	}

	s.publish(snap, err)

	elapsed := time.Since(start)
	datadog.Gauge("coordinator.cycle_duration_ms", float64(elapsed.Milliseconds()))

	if err != nil {
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Refresh cycle failed")
		datadog.Count("coordinator.cycle_failure", 1)
		return
	}

	log.Debug().
		Int("devices", len(snap.Devices)).
		Dur("elapsed", elapsed).
		Msg("Refresh cycle complete")
	s.emitGauges(snap)
}

// runCycle fetches every target's state under one shared deadline and
// assembles a snapshot. All targets must succeed for the cycle to succeed.
func (s *Service) runCycle(ctx context.Context) (*model.Snapshot, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	snap := &model.Snapshot{
		TakenAt: time.Now(),
		Devices: make(map[model.DeviceKey]model.DeviceRecord, len(s.targets)),
	}

	for _, t := range s.targets {
		state, err := s.fetchState(cycleCtx, t)
		if err != nil {
			return nil, err
		}
		snap.Devices[model.KeyFor(t.PlantID, t.Device.Serial)] = model.DeviceRecord{
			PlantID:   t.PlantID,
			PlantName: t.PlantName,
			Device:    t.Device,
			State:     *state,
		}
	}
	return snap, nil
}

// fetchState retrieves one controller's state. An absent state usually
// means the session went stale server-side, so re-login once and retry
// before giving up on the cycle.
func (s *Service) fetchState(ctx context.Context, t Target) (*model.DeviceState, error) {
	state, err := s.api.GetDeviceState(ctx, t.Device, t.PIN)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state for %s: %w", t.Device.Serial, err)
	}
	if state != nil {
		return state, nil
	}

	log.Warn().
		Str("serial", t.Device.Serial).
		Msg("Device state unavailable, re-authenticating")
	datadog.Count("coordinator.relogin", 1)

	if err := s.api.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to re-authenticate for %s: %w", t.Device.Serial, err)
	}
	state, err = s.api.GetDeviceState(ctx, t.Device, t.PIN)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state for %s after re-login: %w", t.Device.Serial, err)
	}
	if state == nil {
		return nil, fmt.Errorf("device %s state unavailable after re-login", t.Device.Serial)
	}
	return state, nil
}

// publish swaps in the new snapshot on success and records the result. A
// failed cycle keeps the previous snapshot so consumers see stale data
// instead of none, and the cause is collapsed into ErrUpdateFailed.
func (s *Service) publish(snap *model.Snapshot, err error) {
	s.mutex.Lock()
	if err != nil {
		s.lastErr = ErrUpdateFailed
		s.consecFails++
	} else {
		s.snapshot = snap
		s.lastErr = nil
		s.consecFails = 0
		s.alertedFails = false
	}
	fails := s.consecFails
	alerted := s.alertedFails
	if fails >= s.alertThreshold && !alerted {
		s.alertedFails = true
	}
	s.mutex.Unlock()

	if fails >= s.alertThreshold && !alerted {
		msg := fmt.Sprintf("Cloud polling has failed %d times in a row; last data may be stale", fails)
		if sendErr := s.notifier.Send("ProAir Bridge Offline", msg); sendErr != nil {
			log.Error().Err(sendErr).Msg("Failed to send polling failure notification")
		}
	}
}

func (s *Service) emitGauges(snap *model.Snapshot) {
	for _, rec := range snap.Devices {
		tags := []string{"serial:" + rec.Device.Serial, "plant:" + rec.PlantName}
		off := 0.0
		if rec.State.IsOff {
			off = 1.0
		}
		datadog.Gauge("device.is_off", off, tags...)
		datadog.Gauge("device.errors", float64(rec.State.NumErrors), tags...)
		for _, z := range rec.State.Zones {
			ztags := append(tags, fmt.Sprintf("zone:%d", z.ZoneID))
			datadog.Gauge("zone.temperature", z.Temperature(), ztags...)
			datadog.Gauge("zone.setpoint", z.Setpoint(), ztags...)
			datadog.Gauge("zone.humidity", z.RelativeHumidity(), ztags...)
		}
	}
}
