package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dataset-catalog/analysis"
	"dataset-catalog/config"
	"dataset-catalog/models"
	"dataset-catalog/storage"
)

var datasetsCreatedCounter prometheus.Counter

func init() {
	datasetsCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_datasets_created_total",
			Help: "Total number of datasets added to the catalog.",
		},
	)
	prometheus.MustRegister(datasetsCreatedCounter)
}

const unknownValue = "Unknown"

// DatasetRepository ist die Persistenz der Datensätze.
type DatasetRepository interface {
	Create(ctx context.Context, d *models.Dataset) error
	Save(ctx context.Context, d *models.Dataset) error
	Delete(ctx context.Context, d *models.Dataset) error
	FindByKey(ctx context.Context, acronym string, versions []string) (*models.Dataset, error)
	ExistsAcronym(ctx context.Context, acronym string) (bool, error)
	List(ctx context.Context) ([]models.Dataset, error)
	ListByStatus(ctx context.Context, status models.DatasetStatus) ([]models.Dataset, error)
}

// AnalysisStore ist der Teil von analysis.Store, den die Registry braucht.
type AnalysisStore interface {
	Create(ctx context.Context, d *models.Dataset) error
	Read(ctx context.Context, d *models.Dataset) *analysis.Analysis
	Update(ctx context.Context, d *models.Dataset, oldName string) error
	Files(d *models.Dataset) []string
	FilePath(d *models.Dataset, filename string) (string, error)
	EditURL(d *models.Dataset) string
}

// Identity ist der authentifizierte Aufrufer, geliefert von einer vertrauenswürdigen Schicht davor.
type Identity struct {
	Email string
	Admin bool
}

// owns meldet, ob der Aufrufer den Datensatz ändern darf.
func (i Identity) owns(d *models.Dataset) bool {
	if i.Admin {
		return true
	}
	return i.Email != "" && strings.EqualFold(i.Email, d.Submitter.Email)
}

// Upload ist eine hochgeladene Datei.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DatasetInput sind die Felder einer neuen Einreichung.
type DatasetInput struct {
	Acronym     string
	Versions    []string
	Title       string
	PaperTitle  string
	Authors     []string
	Description string
	Format      string
	DOI         string
	OriginsDOI  string
	Submitter   models.Submitter
	Tags        []string
	URL         string
	LabelName   string
}

// DatasetEdit enthält die zu ändernden Felder; nil bedeutet unverändert.
// Der Submitter ist nach dem Anlegen nicht mehr änderbar.
type DatasetEdit struct {
	Versions       *[]string
	Title          *string
	PaperTitle     *string
	Authors        *[]string
	Description    *string
	Format         *string
	DOI            *string
	OriginsDOI     *string
	Tags           *[]string
	URL            *string
	AnalysisStatus *string
	LabelName      *string
}

// DatasetDetail ist ein Datensatz mit Analyse und allen abgeleiteten Beziehungen.
type DatasetDetail struct {
	Dataset         *models.Dataset    `json:"dataset"`
	Analysis        *analysis.Analysis `json:"analysis"`
	Files           []string           `json:"files"`
	EditAnalysisURL string             `json:"edit_analysis_url"`
	VersionRelations
	VersionListing []VersionEntry `json:"version_listing"`
	DOIRelations
}

// ParseVersions zerlegt die Komma-Liste aus Formular oder Pfad. "*" und leere
// Einträge entfallen; bleibt nichts übrig, ist es die Wurzel [""].
func ParseVersions(raw string) []string {
	return normalizeVersions(strings.Split(raw, ","))
}

func normalizeVersions(versions []string) []string {
	out := []string{}
	for _, v := range versions {
		v = strings.TrimSpace(v)
		if v == "" || v == "*" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return models.RootVersions()
	}
	return out
}

// SplitList zerlegt eine Komma-Liste aus einem Formularfeld.
func SplitList(raw string) []string {
	return normalizeList(strings.Split(raw, ","))
}

// normalizeList trimmt, verwirft leere Einträge und entfernt Duplikate.
func normalizeList(items []string) []string {
	out := []string{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || slices.Contains(out, item) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func normalizeAuthors(authors []string) []string {
	out := normalizeList(authors)
	if len(out) == 0 {
		return []string{unknownValue}
	}
	return out
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknownValue
	}
	return s
}

// DatasetService ist die Registry der Datensätze.
type DatasetService struct {
	datasets   DatasetRepository
	analyses   AnalysisStore
	objects    storage.ObjectStore
	presignTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewDatasetService erstellt eine neue Instanz des DatasetService.
func NewDatasetService(cfg *config.Config, datasets DatasetRepository, analyses AnalysisStore, objects storage.ObjectStore, logger *zap.Logger) *DatasetService {
	return &DatasetService{
		datasets:   datasets,
		analyses:   analyses,
		objects:    objects,
		presignTTL: cfg.PresignTTL,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *DatasetService) find(ctx context.Context, acronym string, versions []string) (*models.Dataset, error) {
	d, err := s.datasets.FindByKey(ctx, acronym, normalizeVersions(versions))
	if err != nil {
		return nil, storageError(err, "dataset '%s'", models.DisplayName(acronym, versions))
	}
	return d, nil
}

// checkKeyFree lehnt einen Schlüssel ab, der schon vergeben ist oder dessen
// kanonischer Name einem anderen Datensatz gehört.
func (s *DatasetService) checkKeyFree(ctx context.Context, acronym string, versions []string, selfID uint) error {
	display := models.DisplayName(acronym, versions)

	existing, err := s.datasets.FindByKey(ctx, acronym, versions)
	switch {
	case err == nil && existing.ID != selfID:
		return fmt.Errorf("dataset '%s' already exists: %w", display, ErrConflict)
	case err != nil && !errors.Is(err, storage.ErrRecordNotFound):
		return storageError(err, "looking up dataset '%s'", display)
	}

	all, err := s.datasets.List(ctx)
	if err != nil {
		return storageError(err, "listing datasets")
	}
	name := models.CanonicalName(acronym, versionPathOf(versions))
	for i := range all {
		o := &all[i]
		if o.ID == selfID || o.HasKey(acronym, versions) {
			continue
		}
		if o.CanonicalName() == name {
			return fmt.Errorf("dataset '%s' has the same storage name %q as '%s': %w",
				display, name, models.DisplayName(o.Acronym, o.Versions), ErrConflict)
		}
	}
	return nil
}

func versionPathOf(versions []string) []string {
	d := models.Dataset{Versions: versions}
	return d.VersionPath()
}

// Create legt eine neue Einreichung an. Die Analyse entsteht vor dem Datenbankeintrag;
// schlägt ein späterer Schritt fehl, bleibt das Analyse-Verzeichnis liegen.
func (s *DatasetService) Create(ctx context.Context, input DatasetInput, upload *Upload) (*models.Dataset, error) {
	acronym := strings.TrimSpace(input.Acronym)
	if acronym == "" {
		return nil, fmt.Errorf("acronym is required: %w", ErrValidation)
	}
	versions := normalizeVersions(input.Versions)

	if err := s.checkKeyFree(ctx, acronym, versions, 0); err != nil {
		return nil, err
	}

	d := &models.Dataset{
		Acronym:        acronym,
		Versions:       pq.StringArray(versions),
		Title:          orUnknown(input.Title),
		PaperTitle:     orUnknown(input.PaperTitle),
		Authors:        pq.StringArray(normalizeAuthors(input.Authors)),
		Description:    input.Description,
		Format:         input.Format,
		DOI:            strings.TrimSpace(input.DOI),
		OriginsDOI:     strings.TrimSpace(input.OriginsDOI),
		Submitter:      input.Submitter,
		Tags:           pq.StringArray(normalizeList(input.Tags)),
		URL:            input.URL,
		LabelName:      input.LabelName,
		Status:         models.StatusAccepted,
		AnalysisStatus: models.AnalysisRequested,
		DateSubmitted:  s.now().UTC(),
	}
	log := s.logger.With(zap.String("dataset", d.CanonicalName()))

	if upload != nil {
		key := objectKey(d, upload.Filename)
		if err := s.objects.Put(ctx, key, upload.Body, upload.Size, upload.ContentType); err != nil {
			return nil, fmt.Errorf("storing file for '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
		}
		d.Filename = &key
	}

	if err := s.analyses.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("creating analysis for '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
	}

	if err := s.datasets.Create(ctx, d); err != nil {
		return nil, storageError(err, "saving dataset '%s'", models.DisplayName(d.Acronym, d.Versions))
	}

	datasetsCreatedCounter.Inc()
	log.Info("Dataset created", zap.String("submitter", d.Submitter.Email))
	return d, nil
}

// objectKey ist der kanonische Name plus die Endung der hochgeladenen Datei.
func objectKey(d *models.Dataset, filename string) string {
	return d.CanonicalName() + filepath.Ext(filename)
}

func (s *DatasetService) detail(ctx context.Context, d *models.Dataset, all []models.Dataset) *DatasetDetail {
	return &DatasetDetail{
		Dataset:          d,
		Analysis:         s.analyses.Read(ctx, d),
		Files:            s.analyses.Files(d),
		EditAnalysisURL:  s.analyses.EditURL(d),
		VersionRelations: ComputeVersionRelations(d, all),
		VersionListing:   ComputeVersionListing(d, all),
		DOIRelations:     ComputeDOIRelations(d, all),
	}
}

// Get liefert einen Datensatz mit Analyse und Beziehungen.
func (s *DatasetService) Get(ctx context.Context, acronym string, versions []string) (*DatasetDetail, error) {
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return nil, err
	}
	all, err := s.datasets.List(ctx)
	if err != nil {
		return nil, storageError(err, "listing datasets")
	}
	return s.detail(ctx, d, all), nil
}

// List liefert alle Datensätze außer offenen Anfragen.
func (s *DatasetService) List(ctx context.Context) ([]*DatasetDetail, error) {
	all, err := s.datasets.List(ctx)
	if err != nil {
		return nil, storageError(err, "listing datasets")
	}
	details := []*DatasetDetail{}
	for i := range all {
		if all[i].Status == models.StatusRequested {
			continue
		}
		details = append(details, s.detail(ctx, &all[i], all))
	}
	return details, nil
}

// Requests liefert die offenen Anfragen.
func (s *DatasetService) Requests(ctx context.Context) ([]models.Dataset, error) {
	requests, err := s.datasets.ListByStatus(ctx, models.StatusRequested)
	if err != nil {
		return nil, storageError(err, "listing requests")
	}
	if requests == nil {
		requests = []models.Dataset{}
	}
	return requests, nil
}

// Edit ändert einen Datensatz. Schlüssel und Namenskollisionen werden vor jeder
// Änderung geprüft; Fehler beim Nachziehen von Analyse und Datei danach nicht mehr
// zurückgerollt.
func (s *DatasetService) Edit(ctx context.Context, id Identity, acronym string, versions []string, edit DatasetEdit) (*models.Dataset, error) {
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return nil, err
	}
	if !id.owns(d) {
		return nil, fmt.Errorf("editing '%s': %w", d.CanonicalName(), ErrForbidden)
	}

	newVersions := []string(d.Versions)
	if edit.Versions != nil {
		newVersions = normalizeVersions(*edit.Versions)
	}
	if !d.HasKey(d.Acronym, newVersions) {
		if err := s.checkKeyFree(ctx, d.Acronym, newVersions, d.ID); err != nil {
			return nil, err
		}
	}

	oldName := d.CanonicalName()
	d.Versions = pq.StringArray(newVersions)
	applyEdit(d, edit)

	if err := s.datasets.Save(ctx, d); err != nil {
		return nil, storageError(err, "saving dataset '%s'", models.DisplayName(d.Acronym, d.Versions))
	}

	log := s.logger.With(zap.String("dataset", d.CanonicalName()))
	if oldName != d.CanonicalName() {
		log = log.With(zap.String("previous", oldName))
	}
	if err := s.analyses.Update(ctx, d, oldName); err != nil {
		log.Error("Failed to update analysis", zap.Error(err))
	}

	if err := s.renameObject(ctx, d, oldName, log); err != nil {
		return nil, err
	}

	log.Info("Dataset updated")
	return d, nil
}

func applyEdit(d *models.Dataset, edit DatasetEdit) {
	if edit.Title != nil {
		d.Title = orUnknown(*edit.Title)
	}
	if edit.PaperTitle != nil {
		d.PaperTitle = orUnknown(*edit.PaperTitle)
	}
	if edit.Authors != nil {
		d.Authors = pq.StringArray(normalizeAuthors(*edit.Authors))
	}
	if edit.Description != nil {
		d.Description = *edit.Description
	}
	if edit.Format != nil {
		d.Format = *edit.Format
	}
	if edit.DOI != nil {
		d.DOI = strings.TrimSpace(*edit.DOI)
	}
	if edit.OriginsDOI != nil {
		d.OriginsDOI = strings.TrimSpace(*edit.OriginsDOI)
	}
	if edit.Tags != nil {
		d.Tags = pq.StringArray(normalizeList(*edit.Tags))
	}
	if edit.URL != nil {
		d.URL = *edit.URL
	}
	if edit.AnalysisStatus != nil {
		d.AnalysisStatus = models.ParseAnalysisStatus(*edit.AnalysisStatus)
	}
	if edit.LabelName != nil {
		d.LabelName = *edit.LabelName
	}
}

// renameObject kopiert die angehängte Datei auf den neuen kanonischen Namen.
// Kann die alte Kopie nicht gelöscht werden, bleibt sie als Waise liegen.
func (s *DatasetService) renameObject(ctx context.Context, d *models.Dataset, oldName string, log *zap.Logger) error {
	if d.Filename == nil {
		return nil
	}
	oldKey := *d.Filename
	// Endung relativ zum alten Namen, sonst wird aus "DS1.v1" die Endung ".v1"
	suffix := filepath.Ext(oldKey)
	if strings.HasPrefix(oldKey, oldName) {
		suffix = strings.TrimPrefix(oldKey, oldName)
	}
	newKey := d.CanonicalName() + suffix
	if oldKey == newKey {
		return nil
	}

	if err := s.objects.Copy(ctx, oldKey, newKey); err != nil {
		return fmt.Errorf("moving file of '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
	}
	if err := s.objects.Delete(ctx, oldKey); err != nil {
		log.Warn("Failed to delete previous object, leaving it orphaned",
			zap.String("object", oldKey), zap.Error(err))
	}

	d.Filename = &newKey
	if err := s.datasets.Save(ctx, d); err != nil {
		return storageError(err, "saving dataset '%s'", models.DisplayName(d.Acronym, d.Versions))
	}
	log.Info("Dataset file moved", zap.String("from", oldKey), zap.String("to", newKey))
	return nil
}

// SetStatus führt den Datensatz genau einen Schritt weiter. Nur für Admins.
func (s *DatasetService) SetStatus(ctx context.Context, id Identity, acronym string, versions []string, raw string) (*models.Dataset, error) {
	if !id.Admin {
		return nil, fmt.Errorf("changing status: %w", ErrForbidden)
	}
	status, ok := models.ParseDatasetStatus(raw)
	if !ok {
		return nil, fmt.Errorf("unknown status %q: %w", raw, ErrValidation)
	}
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransition(status) {
		return nil, fmt.Errorf("status of '%s' cannot change from %s to %s: %w",
			d.CanonicalName(), d.Status, status, ErrValidation)
	}

	d.Status = status
	if err := s.datasets.Save(ctx, d); err != nil {
		return nil, storageError(err, "saving dataset '%s'", d.CanonicalName())
	}
	s.logger.Info("Dataset status changed",
		zap.String("dataset", d.CanonicalName()), zap.String("status", string(status)))
	return d, nil
}

// UploadFile ersetzt die angehängte Datei.
func (s *DatasetService) UploadFile(ctx context.Context, id Identity, acronym string, versions []string, upload Upload) (*models.Dataset, error) {
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return nil, err
	}
	if !id.owns(d) {
		return nil, fmt.Errorf("uploading file for '%s': %w", d.CanonicalName(), ErrForbidden)
	}
	if upload.Filename == "" {
		return nil, fmt.Errorf("file is required: %w", ErrValidation)
	}

	log := s.logger.With(zap.String("dataset", d.CanonicalName()))
	key := objectKey(d, upload.Filename)
	if err := s.objects.Put(ctx, key, upload.Body, upload.Size, upload.ContentType); err != nil {
		return nil, fmt.Errorf("storing file for '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
	}
	if d.Filename != nil && *d.Filename != key {
		if err := s.objects.Delete(ctx, *d.Filename); err != nil {
			log.Warn("Failed to delete previous object, leaving it orphaned",
				zap.String("object", *d.Filename), zap.Error(err))
		}
	}

	d.Filename = &key
	if err := s.datasets.Save(ctx, d); err != nil {
		return nil, storageError(err, "saving dataset '%s'", d.CanonicalName())
	}
	log.Info("Dataset file uploaded", zap.String("object", key))
	return d, nil
}

// DownloadLink liefert einen zeitlich begrenzten Link auf die angehängte Datei.
func (s *DatasetService) DownloadLink(ctx context.Context, acronym string, versions []string) (string, error) {
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return "", err
	}
	if d.Filename == nil {
		return "", fmt.Errorf("file for dataset '%s': %w", d.CanonicalName(), ErrNotFound)
	}
	link, err := s.objects.PresignedURL(ctx, *d.Filename, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("link for '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
	}
	return link, nil
}

// AnalysisFile löst eine Datei aus dem Analyse-Verzeichnis auf.
func (s *DatasetService) AnalysisFile(ctx context.Context, acronym string, versions []string, filename string) (string, error) {
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return "", err
	}
	path, err := s.analyses.FilePath(d, filename)
	if err != nil {
		return "", fmt.Errorf("file '%s' for dataset '%s': %w", filename, d.CanonicalName(), ErrNotFound)
	}
	return path, nil
}

// Delete entfernt einen Datensatz. Nur für Admins. Die angehängte Datei wird zuerst
// gelöscht; schlägt das fehl, bleibt der Datensatz bestehen. Das Analyse-Verzeichnis
// bleibt immer erhalten.
func (s *DatasetService) Delete(ctx context.Context, id Identity, acronym string, versions []string) error {
	if !id.Admin {
		return fmt.Errorf("deleting dataset: %w", ErrForbidden)
	}
	d, err := s.find(ctx, acronym, versions)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("dataset", d.CanonicalName()))

	if d.Filename != nil {
		if err := s.objects.Delete(ctx, *d.Filename); err != nil {
			log.Error("Failed to delete dataset file, keeping record", zap.Error(err))
			return fmt.Errorf("deleting file of '%s': %w: %v", d.CanonicalName(), ErrStorage, err)
		}
	}
	if err := s.datasets.Delete(ctx, d); err != nil {
		return storageError(err, "deleting dataset '%s'", d.CanonicalName())
	}
	log.Info("Dataset deleted")
	return nil
}
