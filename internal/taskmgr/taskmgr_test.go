package taskmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type funcTask struct {
	run func(now time.Time) time.Time
}

func (f *funcTask) Run(now time.Time) time.Time { return f.run(now) }

func TestRescheduleOnNonzeroReturn(t *testing.T) {
	base := time.Unix(0, 0)
	m := newManagerForTest(func() time.Time { return base })

	var calls []time.Time
	task := &funcTask{run: func(now time.Time) time.Time {
		calls = append(calls, now)
		if len(calls) < 3 {
			return now.Add(time.Second)
		}
		return time.Time{}
	}}

	m.RegisterTask(task, base)
	m.Tick(base)
	assert.Equal(t, 1, m.Len())

	m.Tick(base.Add(time.Second))
	assert.Equal(t, 1, m.Len())

	m.Tick(base.Add(2 * time.Second))
	assert.Equal(t, 0, m.Len(), "a task returning the zero time must be dropped")
	assert.Len(t, calls, 3)
}

func TestUnregisterPreventsFutureRuns(t *testing.T) {
	base := time.Unix(0, 0)
	m := newManagerForTest(func() time.Time { return base })

	ran := false
	task := &funcTask{run: func(now time.Time) time.Time {
		ran = true
		return time.Time{}
	}}
	m.RegisterTask(task, base)
	m.UnregisterTask(task)
	m.Tick(base)
	assert.False(t, ran)
	assert.Equal(t, 0, m.Len())
}

func TestTicksOnlyDueTasks(t *testing.T) {
	base := time.Unix(0, 0)
	m := newManagerForTest(func() time.Time { return base })

	var ranEarly, ranLate bool
	early := &funcTask{run: func(now time.Time) time.Time { ranEarly = true; return time.Time{} }}
	late := &funcTask{run: func(now time.Time) time.Time { ranLate = true; return time.Time{} }}

	m.RegisterTask(early, base)
	m.RegisterTask(late, base.Add(time.Hour))

	m.Tick(base)
	assert.True(t, ranEarly)
	assert.False(t, ranLate)
	assert.Equal(t, 1, m.Len())
}

func TestRealManagerStartStop(t *testing.T) {
	m := New()
	defer m.Stop()

	done := make(chan struct{})
	task := &funcTask{run: func(now time.Time) time.Time {
		close(done)
		return time.Time{}
	}}
	m.RegisterTask(task, time.Now())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never ran")
	}
}
