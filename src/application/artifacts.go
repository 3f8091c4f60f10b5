package application

import (
	"github.com/google/uuid"

	"github.com/input-output-hk/branchline/src/domain"
)

type ArtifactStore interface {
	// Allocate reserves a location that the producer creates itself.
	Allocate(runId uuid.UUID, branch domain.Branch, name domain.ArtifactName) (string, error)
	// Create reserves a location and creates it as an empty directory.
	Create(runId uuid.UUID, branch domain.Branch, name domain.ArtifactName) (string, error)
	Workspace(runId uuid.UUID, branch domain.Branch, action string, from *domain.Artifact) (string, error)
	Seal(*domain.Artifact) error
	Remove(domain.Branch) error
}
