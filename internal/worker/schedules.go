package worker

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/schedule"
	"github.com/mtzanidakis/agora/internal/store"
)

type scheduledTask struct {
	cfg   config.ScheduleConfig
	sched *schedule.Schedule
	next  time.Time
	done  bool
}

func newSchedules(list []config.ScheduleConfig, now time.Time) ([]*scheduledTask, error) {
	out := make([]*scheduledTask, 0, len(list))
	for _, sc := range list {
		if sc.TaskType == "" {
			return nil, fmt.Errorf("schedule %q: task_type is required", sc.Name)
		}
		s, err := schedule.Parse(sc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		st := &scheduledTask{cfg: sc, sched: s}
		st.next, st.done = nextRun(s, now)
		out = append(out, st)
	}
	return out, nil
}

func nextRun(s *schedule.Schedule, now time.Time) (time.Time, bool) {
	next, ok := s.Next(now)
	return next, !ok
}

// fireDue enqueues one task per schedule whose next run is not after now.
// Missed runs are coalesced into a single firing.
func (r *Runtime) fireDue(ctx context.Context, now time.Time) int {
	fired := 0
	for _, st := range r.schedules {
		if st.done || st.next.After(now) {
			continue
		}

		data := maps.Clone(st.cfg.Data)
		if data == nil {
			data = map[string]any{}
		}
		data["schedule"] = st.cfg.Name

		t, err := r.AddTask(ctx, &store.Task{
			TaskType: st.cfg.TaskType,
			Data:     data,
			Sender:   "scheduler",
		})
		if err != nil {
			r.log.Error("scheduled task failed to enqueue", "schedule", st.cfg.Name, "error", err)
		} else {
			r.log.Info("scheduled task enqueued", "schedule", st.cfg.Name, "task_id", t.ID)
			fired++
		}

		st.next, st.done = nextRun(st.sched, now)
		if st.done {
			r.log.Info("schedule has no further runs", "schedule", st.cfg.Name)
		}
	}
	return fired
}
