package service

import (
	"context"
	"sync"
	"time"

	"github.com/input-output-hk/branchline/src/domain"
)

// Execution is the in-memory state of a run while this process drives it.
type Execution struct {
	Stack     domain.PipelineStack
	Artifacts *domain.ArtifactSet

	ctx    context.Context
	cancel context.CancelFunc

	lock       sync.Mutex
	run        domain.Run
	definition domain.PipelineDefinition
	canceled   bool
	// Set once the self-update stage has confirmed
	// the deployed pipeline matches the current definition.
	verified    bool
	restartFrom int
	done        chan struct{}
	finished    bool
	watchers    map[chan domain.Run]struct{}
}

func NewExecution(ctx context.Context, run domain.Run, stack domain.PipelineStack) *Execution {
	ctx, cancel := context.WithCancel(ctx)
	return &Execution{
		Stack:       stack,
		Artifacts:   domain.NewArtifactSet(),
		ctx:         ctx,
		cancel:      cancel,
		run:         run,
		definition:  stack.Pipeline,
		restartFrom: -1,
		done:        make(chan struct{}),
		watchers:    map[chan domain.Run]struct{}{},
	}
}

// Run returns a snapshot of the run.
func (self *Execution) Run() domain.Run {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.run
}

func (self *Execution) Definition() domain.PipelineDefinition {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.definition
}

func (self *Execution) Canceled() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.canceled || self.ctx.Err() != nil
}

func (self *Execution) Verified() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.verified
}

func (self *Execution) Done() <-chan struct{} {
	return self.done
}

func (self *Execution) requestCancel() {
	self.lock.Lock()
	self.canceled = true
	self.lock.Unlock()
	self.cancel()
}

func (self *Execution) markVerified() {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.verified = true
}

// restart replaces the definition and schedules the run to continue at the given stage.
func (self *Execution) restart(def domain.PipelineDefinition, digest string, stageIndex int) domain.Run {
	return self.update(func(run *domain.Run) {
		self.definition = def
		self.verified = false
		self.restartFrom = stageIndex
		run.DefinitionDigest = digest
		run.Restarts++
	})
}

// takeRestart returns the pending restart stage or -1.
func (self *Execution) takeRestart() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	index := self.restartFrom
	self.restartFrom = -1
	return index
}

// update applies fn to the run and publishes the result to watchers.
func (self *Execution) update(fn func(*domain.Run)) domain.Run {
	self.lock.Lock()
	defer self.lock.Unlock()

	fn(&self.run)
	for watcher := range self.watchers {
		select {
		case <-watcher:
		default:
		}
		watcher <- self.run
	}

	return self.run
}

// Watch delivers the latest snapshot of the run until it finishes.
// Intermediate snapshots may be skipped by slow readers.
func (self *Execution) Watch() (<-chan domain.Run, func()) {
	self.lock.Lock()
	defer self.lock.Unlock()

	watcher := make(chan domain.Run, 1)
	watcher <- self.run

	if self.finished {
		close(watcher)
		return watcher, func() {}
	}

	self.watchers[watcher] = struct{}{}
	return watcher, func() {
		self.lock.Lock()
		defer self.lock.Unlock()
		if _, exists := self.watchers[watcher]; exists {
			delete(self.watchers, watcher)
			close(watcher)
		}
	}
}

func (self *Execution) close() {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.finished {
		return
	}
	self.finished = true

	for watcher := range self.watchers {
		close(watcher)
	}
	self.watchers = map[chan domain.Run]struct{}{}

	self.cancel()
	close(self.done)
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
