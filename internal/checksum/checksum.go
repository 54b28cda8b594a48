// Package checksum computes content digests used to verify replicated
// bytes. A digest is the lowercase hex SHA256 of the content; directory
// trees fold in the relative path of every regular file so that renames
// change the digest.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// File returns the hex digest of a single file's contents.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digesting %q: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Tree returns the hex digest of a directory tree rooted at root. Files are
// visited in lexical path order; each file contributes its slash-separated
// relative path followed by its contents. Directories and irregular files
// contribute nothing on their own.
func Tree(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %q: %w", root, err)
	}

	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}

		if err := hashFileInto(h, filepath.ToSlash(rel), path); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFileInto(h hash.Hash, rel, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	io.WriteString(h, rel)
	h.Write([]byte{0})
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("digesting %q: %w", path, err)
	}
	h.Write([]byte{0})

	return nil
}
