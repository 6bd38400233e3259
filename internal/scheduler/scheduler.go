// Package scheduler implements the Scheduler (C6): it holds a list of
// recurring or one-shot calculations, wakes on a fixed tick to fire the
// ones whose next run time has arrived, dispatches to the Query API,
// records a result, and notifies configured channels of the outcome.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/internal/queryapi"
	"github.com/sethdford/perfcalc/pkg/logger"
)

const tickInterval = 10 * time.Second

// FrequencyKind names the recurrence rule a Schedule follows.
type FrequencyKind string

const (
	FrequencyOnce      FrequencyKind = "once"
	FrequencyDaily     FrequencyKind = "daily"
	FrequencyWeekly    FrequencyKind = "weekly"
	FrequencyMonthly   FrequencyKind = "monthly"
	FrequencyQuarterly FrequencyKind = "quarterly"
)

// Frequency describes when a Schedule should next run. Only the fields
// relevant to Kind are meaningful: Once uses At; Daily uses Hour/Minute;
// Weekly adds DayOfWeek (0 = Sunday); Monthly adds DayOfMonth; Quarterly
// adds Month (one of 1, 4, 7, 10) and DayOfMonth.
type Frequency struct {
	Kind       FrequencyKind
	At         time.Time
	Hour       int
	Minute     int
	DayOfWeek  int
	DayOfMonth int
	Month      int
}

// NextRunTime computes the next time this frequency should fire strictly
// after now, in UTC. The second return value is false for a Once
// frequency whose target time is not after now, and for an unknown kind.
func (f Frequency) NextRunTime(now time.Time) (time.Time, bool) {
	now = now.UTC()
	switch f.Kind {
	case FrequencyOnce:
		if f.At.UTC().After(now) {
			return f.At.UTC(), true
		}
		return time.Time{}, false
	case FrequencyDaily:
		target := atClockTime(now, f.Hour, f.Minute)
		if target.After(now) {
			return target, true
		}
		return atClockTime(now.AddDate(0, 0, 1), f.Hour, f.Minute), true
	case FrequencyWeekly:
		currentDOW := int(now.Weekday())
		daysUntil := (f.DayOfWeek + 7 - currentDOW) % 7
		target := atClockTime(now.AddDate(0, 0, daysUntil), f.Hour, f.Minute)
		if daysUntil == 0 && !target.After(now) {
			target = atClockTime(now.AddDate(0, 0, 7), f.Hour, f.Minute)
		}
		return target, true
	case FrequencyMonthly:
		if now.Day() <= f.DayOfMonth {
			target := atClockTime(dayInMonth(now.Year(), int(now.Month()), f.DayOfMonth), f.Hour, f.Minute)
			if target.After(now) {
				return target, true
			}
		}
		nextYear, nextMonth := now.Year(), int(now.Month())+1
		if nextMonth > 12 {
			nextMonth = 1
			nextYear++
		}
		return atClockTime(dayInMonth(nextYear, nextMonth, f.DayOfMonth), f.Hour, f.Minute), true
	case FrequencyQuarterly:
		quarterMonths := [4]int{1, 4, 7, 10}
		currentMonth := int(now.Month())
		if currentMonth == f.Month && now.Day() <= f.DayOfMonth {
			target := atClockTime(dayInMonth(now.Year(), currentMonth, f.DayOfMonth), f.Hour, f.Minute)
			if target.After(now) {
				return target, true
			}
		}
		currentQuarter := (currentMonth - 1) / 3
		nextQuarterMonth := quarterMonths[(currentQuarter+1)%4]
		targetYear := now.Year()
		if nextQuarterMonth < currentMonth {
			targetYear++
		}
		return atClockTime(dayInMonth(targetYear, nextQuarterMonth, f.DayOfMonth), f.Hour, f.Minute), true
	default:
		return time.Time{}, false
	}
}

func atClockTime(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
}

// dayInMonth clamps dayOfMonth to the last actual day of the given
// year/month, matching a calendar that has no 31st of February.
func dayInMonth(year, month, dayOfMonth int) time.Time {
	firstOfNextMonth := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfNextMonth.AddDate(0, 0, -1).Day()
	if dayOfMonth > lastDay {
		dayOfMonth = lastDay
	}
	return time.Date(year, time.Month(month), dayOfMonth, 0, 0, 0, 0, time.UTC)
}

// CalculationKind selects which Query API operation a Schedule invokes.
type CalculationKind string

const (
	CalculationPerformance  CalculationKind = "performance"
	CalculationRisk         CalculationKind = "risk"
	CalculationAttribution  CalculationKind = "attribution"
)

// NotificationChannelKind names a delivery mechanism for run outcomes.
type NotificationChannelKind string

const (
	ChannelEmail   NotificationChannelKind = "email"
	ChannelWebhook NotificationChannelKind = "webhook"
	ChannelPubSub  NotificationChannelKind = "pubsub"
	ChannelQueue   NotificationChannelKind = "queue"
)

// NotificationChannel is a single delivery target attached to a
// Schedule. Only the fields relevant to Kind are meaningful.
type NotificationChannel struct {
	Kind             NotificationChannelKind
	Recipients       []string
	SubjectTemplate  string
	BodyTemplate     string
	URL              string
	Method           string
	Headers          map[string]string
	Topic            string
	QueueName        string
}

// NotificationStatus is the delivery outcome for one channel slot on a
// Result.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationService delivers a Result to a single channel. Consumed
// here, implemented by the Integration Engine (C7).
type NotificationService interface {
	SendNotification(ctx context.Context, channel NotificationChannel, schedule Schedule, result Result) error
}

// Status is the lifecycle state of a single Result.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Schedule is a recurring or one-shot calculation to run automatically.
type Schedule struct {
	ID                   string
	Name                 string
	Description          string
	CalculationKind      CalculationKind
	PerformanceParams    queryapi.PerformanceQueryParams
	RiskParams           queryapi.RiskQueryParams
	AttributionParams    queryapi.AttributionQueryParams
	Frequency            Frequency
	Enabled              bool
	NotificationChannels []NotificationChannel
	LastRunTime          *time.Time
	NextRunTime          *time.Time
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Result is one execution record for a Schedule.
type Result struct {
	ScheduleID          string
	RunID               string
	RunTime             time.Time
	Status              Status
	Output              interface{}
	ErrorMessage        string
	DurationMillis      int64
	NotificationStatus  map[string]NotificationStatus
}

// Scheduler is the Scheduler component (C6).
type Scheduler struct {
	queryAPI            *queryapi.API
	auditManager        *audit.Manager
	notificationService NotificationService
	log                 *logger.Logger
	metrics             *metrics.Metrics

	mu        sync.Mutex
	schedules []Schedule

	resultsMu sync.Mutex
	results   map[string][]Result

	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	tickInterval time.Duration
}

// New wires a Scheduler from its collaborators. notificationService may
// be nil, in which case notification delivery is skipped and every
// channel slot is left Pending.
func New(queryAPI *queryapi.API, auditManager *audit.Manager, notificationService NotificationService, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		queryAPI:            queryAPI,
		auditManager:        auditManager,
		notificationService: notificationService,
		log:                 log,
		results:             make(map[string][]Result),
		tickInterval:        tickInterval,
	}
}

// WithMetrics attaches m so schedule runs and the enabled-schedule count
// are recorded under the Scheduler's Prometheus collectors. Returns s
// for chaining at construction time.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	s.updateActiveGauge()
	return s
}

func (s *Scheduler) updateActiveGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	enabled := 0
	for _, schedule := range s.schedules {
		if schedule.Enabled {
			enabled++
		}
	}
	s.mu.Unlock()
	s.metrics.ScheduledCalcsActive.Set(float64(enabled))
}

// SetTickInterval overrides the default tick interval. Must be called
// before Start; a non-positive duration is ignored.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickInterval = d
}

// AddSchedule registers a new schedule. Duplicate IDs are rejected.
func (s *Scheduler) AddSchedule(schedule Schedule) error {
	s.mu.Lock()
	for _, existing := range s.schedules {
		if existing.ID == schedule.ID {
			s.mu.Unlock()
			return fmt.Errorf("schedule with id %q already exists", schedule.ID)
		}
	}
	s.schedules = append(s.schedules, schedule)
	s.mu.Unlock()
	s.updateActiveGauge()
	return nil
}

// UpdateSchedule replaces an existing schedule by ID.
func (s *Scheduler) UpdateSchedule(schedule Schedule) error {
	s.mu.Lock()
	found := false
	for i, existing := range s.schedules {
		if existing.ID == schedule.ID {
			s.schedules[i] = schedule
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("schedule with id %q not found", schedule.ID)
	}
	s.updateActiveGauge()
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (s *Scheduler) DeleteSchedule(scheduleID string) error {
	s.mu.Lock()
	found := false
	for i, existing := range s.schedules {
		if existing.ID == scheduleID {
			s.schedules = append(s.schedules[:i], s.schedules[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("schedule with id %q not found", scheduleID)
	}
	s.updateActiveGauge()
	return nil
}

// GetSchedule looks up a schedule by ID.
func (s *Scheduler) GetSchedule(scheduleID string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.schedules {
		if existing.ID == scheduleID {
			return existing, nil
		}
	}
	return Schedule{}, fmt.Errorf("schedule with id %q not found", scheduleID)
}

// GetAllSchedules returns a copy of every registered schedule.
func (s *Scheduler) GetAllSchedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out
}

// GetScheduleResults returns the run history for one schedule.
func (s *Scheduler) GetScheduleResults(scheduleID string) []Result {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	out := make([]Result, len(s.results[scheduleID]))
	copy(out, s.results[scheduleID])
	return out
}

// Start begins the background tick loop. Calling Start while already
// running returns an error, matching the teacher's fail-fast lifecycle
// guard.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	interval := s.tickInterval
	if interval <= 0 {
		interval = tickInterval
	}
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.runDueSchedules(ctx)
			}
		}
	}()
	return nil
}

// Stop asserts shutdown and waits for the tick loop to exit. Calling
// Stop while not running returns an error.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// runDueSchedules locks the schedule list only long enough to collect
// the schedules whose next run time has arrived and advance their
// last/next run times, then releases the lock before actually firing
// any of them. This is what keeps one slow run from blocking the tick
// loop's view of every other schedule, and what guarantees a run is
// never issued twice for the same tick.
func (s *Scheduler) runDueSchedules(ctx context.Context) {
	now := time.Now().UTC()
	var due []Schedule

	s.mu.Lock()
	for i := range s.schedules {
		schedule := &s.schedules[i]
		if !schedule.Enabled {
			continue
		}
		if schedule.NextRunTime == nil {
			if next, ok := schedule.Frequency.NextRunTime(now); ok {
				schedule.NextRunTime = &next
			}
		}
		if schedule.NextRunTime != nil && !schedule.NextRunTime.After(now) {
			due = append(due, *schedule)
			schedule.LastRunTime = &now
			if next, ok := schedule.Frequency.NextRunTime(now); ok {
				schedule.NextRunTime = &next
			} else {
				schedule.NextRunTime = nil
			}
			schedule.UpdatedAt = now
		}
	}
	s.mu.Unlock()

	for _, schedule := range due {
		if _, err := s.execute(ctx, schedule, now, false); err != nil {
			s.log.WithField("schedule_id", schedule.ID).WithField("error", err).Error("scheduled run failed")
		}
	}
}

// RunNow executes a schedule immediately, outside its normal cadence.
// last_run_time is updated but next_run_time is left untouched, so the
// schedule's regular cadence is unaffected. The run_id is returned even
// when execution fails, so callers can look up the failure's Result.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) (string, error) {
	schedule, err := s.GetSchedule(scheduleID)
	if err != nil {
		return "", err
	}
	result, err := s.execute(ctx, schedule, time.Now().UTC(), true)
	if err != nil {
		return result.RunID, err
	}
	return result.RunID, nil
}

func (s *Scheduler) execute(ctx context.Context, schedule Schedule, now time.Time, manual bool) (Result, error) {
	runID := uuid.NewString()
	requestID := fmt.Sprintf("schedule:%s:run:%s", schedule.ID, runID)

	result := Result{
		ScheduleID:         schedule.ID,
		RunID:              runID,
		RunTime:            now,
		Status:             StatusRunning,
		NotificationStatus: make(map[string]NotificationStatus, len(schedule.NotificationChannels)),
	}
	for i := range schedule.NotificationChannels {
		result.NotificationStatus[fmt.Sprint(i)] = NotificationPending
	}
	s.appendResult(schedule.ID, result)

	inputParams := map[string]interface{}{
		"schedule_id": schedule.ID,
		"run_id":      runID,
	}
	if manual {
		inputParams["manual_run"] = true
	}

	event, err := s.auditManager.StartCalculation(ctx, "scheduled_calculation", requestID, "scheduler",
		inputParams, []string{"schedule:" + schedule.ID})
	if err != nil {
		return result, err
	}

	start := time.Now()
	output, calcErr := s.dispatch(ctx, schedule)
	duration := time.Since(start).Milliseconds()

	result.DurationMillis = duration
	if calcErr == nil {
		result.Status = StatusCompleted
		result.Output = output
		if _, err := s.auditManager.CompleteCalculation(ctx, event.EventID, []string{"calculation_result:" + runID}); err != nil {
			s.log.WithField("schedule_id", schedule.ID).WithField("run_id", runID).WithField("error", err).Error("failed to complete audit trail for scheduled calculation")
		}
	} else {
		result.Status = StatusFailed
		result.ErrorMessage = calcErr.Error()
		if _, err := s.auditManager.FailCalculation(ctx, event.EventID, calcErr.Error()); err != nil {
			s.log.WithField("schedule_id", schedule.ID).WithField("run_id", runID).WithField("error", err).Error("failed to record audit failure for scheduled calculation")
		}
	}
	if s.metrics != nil {
		outcome := "success"
		if calcErr != nil {
			outcome = "error"
		}
		s.metrics.RecordScheduleRun(string(schedule.CalculationKind), outcome, time.Duration(duration)*time.Millisecond)
	}
	s.updateResult(schedule.ID, runID, result)

	s.sendNotifications(ctx, schedule, runID)

	if manual {
		s.touchLastRunTime(schedule.ID, now)
	}

	if calcErr != nil {
		return result, calcErr
	}
	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, schedule Schedule) (interface{}, error) {
	switch schedule.CalculationKind {
	case CalculationPerformance:
		return s.queryAPI.CalculatePerformance(ctx, schedule.PerformanceParams)
	case CalculationRisk:
		return s.queryAPI.CalculateRisk(ctx, schedule.RiskParams)
	case CalculationAttribution:
		return s.queryAPI.CalculateAttribution(ctx, schedule.AttributionParams)
	default:
		return nil, fmt.Errorf("unknown calculation kind %q", schedule.CalculationKind)
	}
}

func (s *Scheduler) sendNotifications(ctx context.Context, schedule Schedule, runID string) {
	if s.notificationService == nil {
		return
	}
	result, ok := s.findResult(schedule.ID, runID)
	if !ok {
		return
	}
	for i, channel := range schedule.NotificationChannels {
		channelID := fmt.Sprint(i)
		status := NotificationSent
		if err := s.notificationService.SendNotification(ctx, channel, schedule, result); err != nil {
			s.log.WithField("schedule_id", schedule.ID).WithField("run_id", runID).WithField("channel", channel.Kind).WithField("error", err).Error("failed to send schedule notification")
			status = NotificationFailed
		}
		s.setNotificationStatus(schedule.ID, runID, channelID, status)
	}
}

func (s *Scheduler) appendResult(scheduleID string, result Result) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.results[scheduleID] = append(s.results[scheduleID], result)
}

func (s *Scheduler) updateResult(scheduleID, runID string, updated Result) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	for i, r := range s.results[scheduleID] {
		if r.RunID == runID {
			s.results[scheduleID][i] = updated
			return
		}
	}
}

func (s *Scheduler) findResult(scheduleID, runID string) (Result, bool) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	for _, r := range s.results[scheduleID] {
		if r.RunID == runID {
			return r, true
		}
	}
	return Result{}, false
}

func (s *Scheduler) setNotificationStatus(scheduleID, runID, channelID string, status NotificationStatus) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	for i, r := range s.results[scheduleID] {
		if r.RunID == runID {
			s.results[scheduleID][i].NotificationStatus[channelID] = status
			return
		}
	}
}

func (s *Scheduler) touchLastRunTime(scheduleID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ID == scheduleID {
			s.schedules[i].LastRunTime = &now
			s.schedules[i].UpdatedAt = now
			return
		}
	}
}
