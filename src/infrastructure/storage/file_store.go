package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/input-output-hk/branchline/src/domain"
)

// FileStore keeps artifact bundles on the local filesystem below
// <root>/<branch>/<run>/ so nothing is shared between branches or runs.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (self *FileStore) runDir(runId uuid.UUID, branch domain.Branch) string {
	return filepath.Join(self.root, branch.Slug(), runId.String())
}

// Allocate reserves the location of an artifact.
// The returned directory does not exist yet.
func (self *FileStore) Allocate(runId uuid.UUID, branch domain.Branch, name domain.ArtifactName) (string, error) {
	dir := filepath.Join(self.runDir(runId, branch), "artifacts", string(name))

	if _, err := os.Lstat(dir); err == nil {
		return "", errors.WithMessagef(domain.ErrArtifactExists, "%q", dir)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", errors.WithMessagef(err, "Could not stat %q", dir)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", errors.WithMessagef(err, "Could not create artifact directory for %q", name)
	}

	return dir, nil
}

func (self *FileStore) Create(runId uuid.UUID, branch domain.Branch, name domain.ArtifactName) (string, error) {
	dir, err := self.Allocate(runId, branch, name)
	if err != nil {
		return "", err
	}
	return dir, errors.WithMessagef(os.Mkdir(dir, 0o755), "Could not create artifact directory %q", dir)
}

// Workspace creates a scratch directory for an action, seeded with a copy
// of the given artifact so the artifact itself stays untouched.
func (self *FileStore) Workspace(runId uuid.UUID, branch domain.Branch, action string, from *domain.Artifact) (string, error) {
	dir := filepath.Join(self.runDir(runId, branch), "workspaces", action)

	if err := os.RemoveAll(dir); err != nil {
		return "", errors.WithMessagef(err, "Could not clear workspace %q", dir)
	}

	if from == nil {
		return dir, errors.WithMessagef(os.MkdirAll(dir, 0o755), "Could not create workspace %q", dir)
	}

	return dir, errors.WithMessagef(copyTree(from.Location, dir), "Could not copy artifact %q into workspace", from.Name)
}

// Seal computes the digest of a produced artifact.
func (self *FileStore) Seal(artifact *domain.Artifact) error {
	digest, err := domain.DigestDir(artifact.Location)
	if err != nil {
		return errors.WithMessagef(err, "Could not seal artifact %q", artifact.Name)
	}
	artifact.Digest = digest
	return nil
}

// Remove deletes every bundle of a branch.
func (self *FileStore) Remove(branch domain.Branch) error {
	dir := filepath.Join(self.root, branch.Slug())
	return errors.WithMessagef(os.RemoveAll(dir), "Could not remove artifacts in %q", dir)
}

func copyTree(src, dst string) error {
	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case entry.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case entry.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
