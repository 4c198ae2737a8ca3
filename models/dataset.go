package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DatasetStatus beschreibt den Lebenszyklus eines eingereichten Datensatzes.
type DatasetStatus string

const (
	StatusRequested DatasetStatus = "requested"
	StatusAccepted  DatasetStatus = "accepted"
	StatusAnalyzing DatasetStatus = "analyzing"
	StatusDone      DatasetStatus = "done"
)

var statusOrder = []DatasetStatus{StatusRequested, StatusAccepted, StatusAnalyzing, StatusDone}

// ParseDatasetStatus liefert den Status zu s oder false, wenn s unbekannt ist.
func ParseDatasetStatus(s string) (DatasetStatus, bool) {
	for _, status := range statusOrder {
		if strings.EqualFold(strings.TrimSpace(s), string(status)) {
			return status, true
		}
	}
	return "", false
}

// CanTransition erlaubt nur den Schritt auf den direkt folgenden Status.
func (s DatasetStatus) CanTransition(to DatasetStatus) bool {
	for i := 0; i < len(statusOrder)-1; i++ {
		if statusOrder[i] == s {
			return statusOrder[i+1] == to
		}
	}
	return false
}

// AnalysisStatus verfolgt den Zustand des Analyse-Dokuments unabhängig vom DatasetStatus.
type AnalysisStatus string

const (
	AnalysisRequested  AnalysisStatus = "Requested"
	AnalysisInProgress AnalysisStatus = "In Progress"
	AnalysisCompleted  AnalysisStatus = "Completed"
)

// ParseAnalysisStatus ist absichtlich tolerant: jede unbekannte Eingabe
// (auch ein leerer String) ergibt AnalysisRequested, nie einen Fehler.
func ParseAnalysisStatus(s string) AnalysisStatus {
	for _, status := range []AnalysisStatus{AnalysisRequested, AnalysisInProgress, AnalysisCompleted} {
		if strings.EqualFold(strings.TrimSpace(s), string(status)) {
			return status
		}
	}
	return AnalysisRequested
}

// Submitter hält fest, wer den Datensatz eingereicht hat. Wird nach dem Anlegen nicht mehr geändert.
type Submitter struct {
	Name  string `json:"name"`
	Email string `json:"email" gorm:"index"`
}

func (s Submitter) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// Dataset repräsentiert einen Katalogeintrag. (Acronym, Versions) ist der eindeutige Schlüssel.
type Dataset struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Acronym string `json:"acronym" gorm:"uniqueIndex:idx_datasets_key,priority:1;not null"`
	// Versions ist für den Wurzel-Datensatz [""].
	Versions pq.StringArray `json:"versions" gorm:"type:text[];uniqueIndex:idx_datasets_key,priority:2;not null"`

	Title       string         `json:"title" gorm:"default:'Unknown'"`
	PaperTitle  string         `json:"paper_title" gorm:"default:'Unknown'"`
	Authors     pq.StringArray `json:"authors" gorm:"type:text[]"`
	Description string         `json:"description" gorm:"type:text"`
	Format      string         `json:"format"`
	DOI         string         `json:"doi" gorm:"column:doi;index"`
	OriginsDOI  string         `json:"origins_doi" gorm:"column:origins_doi;index"`
	URL         string         `json:"url"`
	LabelName   string         `json:"label_name"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`

	Submitter      Submitter      `json:"submitter" gorm:"embedded;embeddedPrefix:submitter_"`
	Status         DatasetStatus  `json:"status" gorm:"index;default:'requested'"`
	AnalysisStatus AnalysisStatus `json:"analysis_status" gorm:"default:'Requested'"`
	DateSubmitted  time.Time      `json:"date_submitted"`

	// Filename ist der Schlüssel der angehängten Datei im Objektspeicher.
	Filename *string `json:"filename"`
}

// TableName gibt explizit den Tabellennamen an.
func (Dataset) TableName() string {
	return "datasets"
}

// RootVersions ist die gespeicherte Darstellung "keine Version".
func RootVersions() []string {
	return []string{""}
}

// VersionPath liefert die Versionsliste ohne den Wurzel-Platzhalter.
func (d *Dataset) VersionPath() []string {
	return versionPath(d.Versions)
}

func versionPath(versions []string) []string {
	if len(versions) == 1 && versions[0] == "" {
		return []string{}
	}
	path := make([]string, len(versions))
	copy(path, versions)
	return path
}

// IsRoot meldet, ob der Datensatz keine Versionsangabe hat.
func (d *Dataset) IsRoot() bool {
	return len(d.VersionPath()) == 0
}

// CanonicalName ist Verzeichnisname der Analyse und Stamm des Objektschlüssels.
func (d *Dataset) CanonicalName() string {
	return CanonicalName(d.Acronym, d.VersionPath())
}

// HasKey vergleicht den zusammengesetzten Schlüssel.
func (d *Dataset) HasKey(acronym string, versions []string) bool {
	return d.Acronym == acronym && slices.Equal(d.VersionPath(), versionPath(versions))
}

// DisplayName formatiert den Schlüssel für Fehlermeldungen, z.B. "DS1.(v2.sub)".
func DisplayName(acronym string, versions []string) string {
	path := versionPath(versions)
	if len(path) == 0 {
		return acronym
	}
	return fmt.Sprintf("%s.(%s)", acronym, strings.Join(path, "."))
}

// SnapshotField ist ein Schlüssel/Wert-Paar der Metadaten-Kopie im Analyse-Dokument.
type SnapshotField struct {
	Key   string
	Value any
}

// Snapshot liefert die Felder, die ins Analyse-Dokument gespiegelt werden, in fester
// Reihenfolge. id, status und die Analyse selbst sind nie enthalten.
func (d *Dataset) Snapshot() []SnapshotField {
	fields := []SnapshotField{
		{"acronym", d.Acronym},
		{"versions", strings.Join(d.Versions, ", ")},
		{"title", d.Title},
		{"paper_title", d.PaperTitle},
		{"authors", strings.Join(d.Authors, ", ")},
		{"description", d.Description},
		{"format", d.Format},
		{"doi", d.DOI},
		{"origins_doi", d.OriginsDOI},
	}
	if !d.DateSubmitted.IsZero() {
		fields = append(fields, SnapshotField{"date_submitted", d.DateSubmitted.UTC()})
	}
	fields = append(fields,
		SnapshotField{"submitter", d.Submitter.String()},
		SnapshotField{"analysis_status", string(d.AnalysisStatus)},
		SnapshotField{"tags", strings.Join(d.Tags, ", ")},
	)
	if d.Filename != nil {
		fields = append(fields, SnapshotField{"filename", *d.Filename})
	}
	return append(fields,
		SnapshotField{"url", d.URL},
		SnapshotField{"label_name", d.LabelName},
	)
}
