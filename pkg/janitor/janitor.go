// Package janitor runs a housekeeping task on a fixed interval until stopped.
package janitor

import (
	"sync"
	"time"
)

// Task is one housekeeping pass. It reports how many items it removed.
type Task func() (int, error)

// Janitor runs a Task periodically in its own goroutine.
type Janitor struct {
	name     string
	task     Task
	interval time.Duration
	onRun    func(name string, removed int, err error)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a janitor. onRun may be nil; it is called after every pass.
func New(name string, interval time.Duration, task Task, onRun func(name string, removed int, err error)) *Janitor {
	return &Janitor{
		name:     name,
		task:     task,
		interval: interval,
		onRun:    onRun,
		stopCh:   make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run()
	}()
}

// Stop is safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}

// RunOnce performs a single pass synchronously.
func (j *Janitor) RunOnce() (int, error) {
	removed, err := j.task()
	if j.onRun != nil {
		j.onRun(j.name, removed, err)
	}
	return removed, err
}

func (j *Janitor) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}
