package services

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"dataset-catalog/analysis"
	"dataset-catalog/config"
	"dataset-catalog/models"
	"dataset-catalog/storage"
)

type fakeDatasets struct {
	mu     sync.Mutex
	rows   []models.Dataset
	nextID uint
	ops    *[]string
	err    error
}

func cloneDataset(d models.Dataset) models.Dataset {
	d.Versions = pq.StringArray(slices.Clone([]string(d.Versions)))
	d.Authors = pq.StringArray(slices.Clone([]string(d.Authors)))
	d.Tags = pq.StringArray(slices.Clone([]string(d.Tags)))
	if d.Filename != nil {
		f := *d.Filename
		d.Filename = &f
	}
	return d
}

func (f *fakeDatasets) record(op string) {
	if f.ops != nil {
		*f.ops = append(*f.ops, op)
	}
}

func (f *fakeDatasets) Create(ctx context.Context, d *models.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, row := range f.rows {
		if row.HasKey(d.Acronym, d.Versions) {
			return storage.ErrDuplicateKey
		}
	}
	f.nextID++
	d.ID = f.nextID
	f.rows = append(f.rows, cloneDataset(*d))
	f.record("db.create")
	return nil
}

func (f *fakeDatasets) Save(ctx context.Context, d *models.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for i := range f.rows {
		if f.rows[i].ID == d.ID {
			f.rows[i] = cloneDataset(*d)
			f.record("db.save")
			return nil
		}
	}
	return storage.ErrRecordNotFound
}

func (f *fakeDatasets) Delete(ctx context.Context, d *models.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == d.ID {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			f.record("db.delete")
			return nil
		}
	}
	return storage.ErrRecordNotFound
}

func (f *fakeDatasets) FindByKey(ctx context.Context, acronym string, versions []string) (*models.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, row := range f.rows {
		if row.HasKey(acronym, versions) {
			d := cloneDataset(row)
			return &d, nil
		}
	}
	return nil, storage.ErrRecordNotFound
}

func (f *fakeDatasets) ExistsAcronym(ctx context.Context, acronym string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Acronym == acronym {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDatasets) List(ctx context.Context) ([]models.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Dataset, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, cloneDataset(row))
	}
	return out, nil
}

func (f *fakeDatasets) ListByStatus(ctx context.Context, status models.DatasetStatus) ([]models.Dataset, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Dataset
	for _, d := range all {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string]string
	ops       *[]string
	deleteErr error
	copyErr   error
}

func newFakeObjects(ops *[]string) *fakeObjects {
	return &fakeObjects{objects: map[string]string{}, ops: ops}
}

func (f *fakeObjects) record(op string) {
	if f.ops != nil {
		*f.ops = append(*f.ops, op)
	}
}

func (f *fakeObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = string(data)
	f.record("object.put " + key)
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("object.delete " + key)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) Copy(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("object.copy " + src + " " + dst)
	if f.copyErr != nil {
		return f.copyErr
	}
	data, ok := f.objects[src]
	if !ok {
		return errors.New("no such object")
	}
	f.objects[dst] = data
	return nil
}

func (f *fakeObjects) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.example.org/" + key + "?ttl=" + ttl.String(), nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(name, previous string) {}

type fixture struct {
	service  *DatasetService
	datasets *fakeDatasets
	objects  *fakeObjects
	store    *analysis.Store
	ops      *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ops := &[]string{}
	cfg := &config.Config{
		AnalysisDir: filepath.Join(t.TempDir(), "analysis"),
		GitURL:      "https://git.example.org/datasets",
		GitBranch:   "main",
		PresignTTL:  time.Hour,
	}
	datasets := &fakeDatasets{ops: ops}
	objects := newFakeObjects(ops)
	store := analysis.NewStore(cfg, nopPublisher{}, zap.NewNop())
	service := NewDatasetService(cfg, datasets, store, objects, zap.NewNop())
	service.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{service: service, datasets: datasets, objects: objects, store: store, ops: ops}
}

func dataset(acronym string, versions ...string) models.Dataset {
	if len(versions) == 0 {
		versions = models.RootVersions()
	}
	return models.Dataset{Acronym: acronym, Versions: pq.StringArray(versions)}
}
