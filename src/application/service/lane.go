package service

import (
	"sync"

	"github.com/input-output-hk/branchline/src/domain"
)

// lane serializes the runs of one branch.
// At most one execution is active and at most one waits behind it.
type lane struct {
	lock    sync.Mutex
	branch  domain.Branch
	active  *Execution
	pending *Execution
	held    bool
}

func (self *lane) busy() bool {
	return self.active != nil || self.pending != nil
}

type lanes struct {
	lock  sync.Mutex
	lanes map[domain.Branch]*lane
}

func (self *lanes) get(branch domain.Branch) *lane {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.lanes == nil {
		self.lanes = map[domain.Branch]*lane{}
	}

	l, exists := self.lanes[branch]
	if !exists {
		l = &lane{branch: branch}
		self.lanes[branch] = l
	}
	return l
}
