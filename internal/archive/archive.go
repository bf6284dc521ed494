// Package archive imports pre-existing mail export trees: directories of
// .eml files produced by other tools. Some export layouts (Docuware) write
// several renditions of the same message per directory, where only the
// largest is the full original.
package archive

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"imapcas/internal/cas"
	"imapcas/internal/mail"
)

const emlSuffix = ".eml"

// Stats summarizes one walk or import.
type Stats struct {
	Files int
	Bytes int64
}

// Files lists the tree's .eml files. With largestPerDir only the biggest
// file of each directory is kept.
func Files(root string, largestPerDir bool) ([]string, error) {
	type candidate struct {
		path string
		size int64
	}
	largest := map[string]candidate{}
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), emlSuffix) {
			return nil
		}
		if !largestPerDir {
			files = append(files, path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		dir := filepath.Dir(path)
		if cur, ok := largest[dir]; !ok || info.Size() > cur.size {
			largest[dir] = candidate{path: path, size: info.Size()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	if largestPerDir {
		for _, c := range largest {
			files = append(files, c.path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Scan walks the tree and reports file count and total bytes without
// touching the store.
func Scan(root string, largestPerDir bool) (Stats, error) {
	files, err := Files(root, largestPerDir)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return stats, fmt.Errorf("stat %s: %w", path, err)
		}
		stats.Files++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

// ImportToStore adds the tree's .eml files to the store. With move the
// originals are removed after a successful store write. Unreadable files
// are logged and skipped.
func ImportToStore(root string, store *cas.Store, move, largestPerDir bool, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	files, err := Files(root, largestPerDir)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("skipping unreadable file", "path", path, "error", err)
			continue
		}
		res, err := store.Add(f)
		f.Close()
		if err != nil {
			return stats, fmt.Errorf("storing %s: %w", path, err)
		}
		if res.Status == cas.StatusCollision {
			logger.Warn("digest collision, stored in collision area", "path", path, "store_id", res.Digest)
		}
		logger.Info("file imported", "path", path, "status", res.Status, "store_id", res.Digest)
		stats.Files++
		stats.Bytes += res.Size
		if move {
			if err := os.Remove(path); err != nil {
				return stats, fmt.Errorf("removing %s: %w", path, err)
			}
		}
	}
	return stats, nil
}

// Addresses enumerates the unique addresses across the tree, prefixed with a
// direction marker: "<" for senders, ">" for recipients. Sorted by address.
func Addresses(root string, largestPerDir bool) ([]string, error) {
	files, err := Files(root, largestPerDir)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		summary, err := mail.Summarize(raw)
		if err != nil {
			continue
		}
		for _, a := range summary.Sender {
			seen["< "+a] = true
		}
		for _, a := range summary.Recipients {
			seen["> "+a] = true
		}
	}

	out := make([]string, 0, len(seen))
	for entry := range seen {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		// Sort by address first so both directions of one address adjoin.
		ai, aj := out[i][2:], out[j][2:]
		if ai != aj {
			return ai < aj
		}
		return out[i] < out[j]
	})
	return out, nil
}
