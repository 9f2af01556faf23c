package queue

import (
	"log"
	"sync"
)

type Job struct {
	Fn   func() error
	Errc chan error
}

// Workers runs jobs that must not block the caller, such as the durability
// POST behind every chat send.
type Workers struct {
	JobQueue   chan Job
	MaxWorkers int
	wg         sync.WaitGroup
}

func NewWorkers(queueSize int, maxWorkers int) *Workers {
	w := &Workers{
		JobQueue:   make(chan Job, queueSize),
		MaxWorkers: maxWorkers,
	}
	w.start()
	return w
}

func (w *Workers) start() {
	for i := 0; i < w.MaxWorkers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for job := range w.JobQueue {
				err := job.Fn()
				if err != nil && job.Errc == nil {
					log.Printf("queue: job failed: %v", err)
				}
				if job.Errc != nil {
					job.Errc <- err
				}
			}
		}()
	}
}

func (w *Workers) Enqueue(job Job) {
	w.JobQueue <- job
}

func (w *Workers) Shutdown() {
	close(w.JobQueue)
	w.wg.Wait()
}
