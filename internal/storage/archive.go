package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/golang/snappy"
)

const archiveSuffix = ".csv.sz"

// Archive keeps the raw payload of every feeder download, snappy
// compressed, under feeds/<survey>/<yyyymmdd>/<runID>.csv.sz.
type Archive struct {
	store ObjectStorage
	now   func() time.Time
}

// NewArchive creates an archive on top of an object store.
func NewArchive(store ObjectStorage) *Archive {
	return &Archive{store: store, now: time.Now}
}

// Key returns the object path of a run's payload archived on day.
func Key(survey, runID string, day time.Time) string {
	return path.Join("feeds", strings.ToLower(survey), day.UTC().Format("20060102"), runID+archiveSuffix)
}

// Store compresses and writes a payload. It returns the object path.
func (a *Archive) Store(ctx context.Context, survey, runID string, payload []byte) (string, error) {
	if survey == "" || runID == "" {
		return "", fmt.Errorf("archive: survey and run id are required")
	}
	key := Key(survey, runID, a.now())
	if err := a.store.Put(ctx, key, snappy.Encode(nil, payload)); err != nil {
		return "", fmt.Errorf("archive: failed to store %s: %w", key, err)
	}
	return key, nil
}

// Load reads and decompresses an archived payload.
func (a *Archive) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load %s: %w", key, err)
	}
	payload, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("archive: corrupt payload %s: %w", key, err)
	}
	return payload, nil
}

// Runs lists the archived payload paths of a survey, oldest day first.
func (a *Archive) Runs(ctx context.Context, survey string) ([]string, error) {
	keys, err := a.store.List(ctx, path.Join("feeds", strings.ToLower(survey))+"/")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to list %s: %w", survey, err)
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, archiveSuffix) {
			out = append(out, k)
		}
	}
	return out, nil
}
