package domain

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ArtifactName string

const (
	ArtifactSource         ArtifactName = "source"
	ArtifactCloudAssembly  ArtifactName = "cloud_assembly"
	ArtifactInfrastructure ArtifactName = "infrastructure"
)

// Artifact is an immutable bundle produced by exactly one action of a run.
type Artifact struct {
	Name     ArtifactName `json:"name"`
	Stage    string       `json:"stage"`
	Action   string       `json:"action"`
	Location string       `json:"location"`
	Digest   string       `json:"digest"`
}

// ArtifactSet holds the artifacts a run has produced so far.
type ArtifactSet struct {
	lock      sync.RWMutex
	artifacts map[ArtifactName]Artifact
}

func NewArtifactSet() *ArtifactSet {
	return &ArtifactSet{artifacts: map[ArtifactName]Artifact{}}
}

func (self *ArtifactSet) Put(artifact Artifact) error {
	self.lock.Lock()
	defer self.lock.Unlock()

	if existing, exists := self.artifacts[artifact.Name]; exists {
		return errors.WithMessagef(ErrArtifactExists, "%q was already produced by action %q", artifact.Name, existing.Action)
	}
	self.artifacts[artifact.Name] = artifact
	return nil
}

func (self *ArtifactSet) Get(name ArtifactName) (Artifact, bool) {
	self.lock.RLock()
	defer self.lock.RUnlock()

	artifact, exists := self.artifacts[name]
	return artifact, exists
}

// Missing returns those of the given names that have not been produced yet.
func (self *ArtifactSet) Missing(names ...ArtifactName) (missing []ArtifactName) {
	self.lock.RLock()
	defer self.lock.RUnlock()

	for _, name := range names {
		if _, exists := self.artifacts[name]; !exists {
			missing = append(missing, name)
		}
	}
	return
}

func (self *ArtifactSet) All() []Artifact {
	self.lock.RLock()
	defer self.lock.RUnlock()

	names := maps.Keys(self.artifacts)
	slices.Sort(names)

	artifacts := make([]Artifact, len(names))
	for i, name := range names {
		artifacts[i] = self.artifacts[name]
	}
	return artifacts
}

func (self *ArtifactSet) Len() int {
	self.lock.RLock()
	defer self.lock.RUnlock()
	return len(self.artifacts)
}
