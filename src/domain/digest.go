package domain

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/direnv/direnv/v2/pkg/sri"
	"github.com/pkg/errors"
)

func Digest(data []byte) string {
	hash := sri.NewWriter(io.Discard, sri.SHA256)
	_, _ = hash.Write(data)
	return hash.Sum().String()
}

// DigestDir hashes the relative paths, modes and contents of all regular
// files below dir in lexical order.
func DigestDir(dir string) (string, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", errors.WithMessagef(err, "Could not resolve %q", dir)
	}

	hash := sri.NewWriter(io.Discard, sri.SHA256)

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		if _, err := io.WriteString(hash, filepath.ToSlash(rel)+"\x00"+info.Mode().Perm().String()+"\x00"); err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(hash, file)
		return err
	})
	if err != nil {
		return "", errors.WithMessagef(err, "Could not compute digest of %q", dir)
	}

	return hash.Sum().String(), nil
}
