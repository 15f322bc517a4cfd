package buildsys

import (
	"runtime"
	"sync"
)

// workerPool executes submitted functions on a fixed number of goroutines
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	pool := &workerPool{
		tasks: make(chan func(), size*2),
	}
	pool.wg.Add(size)
	for i := 0; i < size; i++ {
		go pool.worker()
	}
	return pool
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		if fn != nil {
			fn()
		}
	}
}

// do runs fn on one of the workers and waits for it to return
func (p *workerPool) do(fn func()) {
	done := make(chan struct{})
	p.tasks <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
