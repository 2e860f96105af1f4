// Package storage copies a finished run's output files to a blob store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/hash/sha256"
)

const (
	// DefaultPrefix is the object prefix used when none is configured.
	DefaultPrefix = "harvests"
	// ManifestName is the sha256sum-compatible digest list written last.
	ManifestName = "SHA256SUMS"
)

// Object describes one uploaded artifact.
type Object struct {
	URI    string
	Name   string
	SHA256 string
	Size   int64
}

// Archiver uploads files under {prefix}/{yyyy-mm-dd}/{run_id}/.
type Archiver struct {
	store  harvest.BlobStore
	prefix string
	clock  harvest.Clock
}

// NewArchiver returns an Archiver writing to store.
func NewArchiver(store harvest.BlobStore, prefix string, clock harvest.Clock) *Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{store: store, prefix: prefix, clock: clock}
}

// ObjectPath returns the destination of file for runID.
func (a *Archiver) ObjectPath(runID, file string) string {
	day := a.clock.Now().UTC().Format("2006-01-02")
	return path.Join(a.prefix, day, runID, filepath.Base(file))
}

// Archive uploads every non-empty path in files, then a SHA256SUMS manifest
// covering the uploads. Missing files are skipped.
func (a *Archiver) Archive(ctx context.Context, runID string, files ...string) ([]Object, error) {
	var objects []Object
	var errs []error
	for _, f := range files {
		if f == "" {
			continue
		}
		obj, err := a.put(ctx, runID, f)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			errs = append(errs, err)
		default:
			objects = append(objects, obj)
		}
	}
	if len(objects) == 0 {
		return nil, errors.Join(errs...)
	}

	var manifest bytes.Buffer
	for _, obj := range objects {
		fmt.Fprintf(&manifest, "%s  %s\n", obj.SHA256, obj.Name)
	}
	digest := sha256.Sum(manifest.Bytes())
	size := int64(manifest.Len())
	uri, err := a.store.PutObject(ctx, a.ObjectPath(runID, ManifestName), "text/plain", &manifest)
	if err != nil {
		errs = append(errs, fmt.Errorf("archive %s: %w", ManifestName, err))
	} else {
		objects = append(objects, Object{URI: uri, Name: ManifestName, SHA256: digest, Size: size})
	}
	return objects, errors.Join(errs...)
}

func (a *Archiver) put(ctx context.Context, runID, file string) (Object, error) {
	fh, err := os.Open(file) // #nosec G304 -- configured output path.
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", file, err)
	}
	defer fh.Close() //nolint:errcheck // read-only handle
	r := sha256.NewReader(fh)
	uri, err := a.store.PutObject(ctx, a.ObjectPath(runID, file), contentType(file), r)
	if err != nil {
		return Object{}, fmt.Errorf("archive %s: %w", file, err)
	}
	return Object{URI: uri, Name: filepath.Base(file), SHA256: r.Digest(), Size: r.Size()}, nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}
