package services

import (
	"slices"

	"dataset-catalog/models"
)

// DatasetRef verweist auf einen anderen Datensatz.
type DatasetRef struct {
	Acronym  string   `json:"acronym"`
	Versions []string `json:"versions"`
}

func refOf(d *models.Dataset) DatasetRef {
	return DatasetRef{Acronym: d.Acronym, Versions: []string(d.Versions)}
}

// VersionRelations sind die Versionsbeziehungen innerhalb eines Akronyms.
type VersionRelations struct {
	Parents  []DatasetRef `json:"version_parents"`
	Children []DatasetRef `json:"version_children"`
	Siblings []DatasetRef `json:"version_siblings"`
}

// VersionEntry ist eine Zeile der Versionsübersicht eines Wurzel-Datensatzes.
type VersionEntry struct {
	Acronym        string                `json:"acronym"`
	Versions       []string              `json:"versions"`
	AnalysisStatus models.AnalysisStatus `json:"analysis_status"`
	Description    string                `json:"description"`
	Title          string                `json:"title"`
}

// DOIRelations sind die über DOIs abgeleiteten Beziehungen zu anderen Akronymen.
type DOIRelations struct {
	Related    []DatasetRef `json:"related"`
	Origin     []DatasetRef `json:"origin"`
	SameOrigin []DatasetRef `json:"same_origin"`
}

// containsRun meldet, ob sub als zusammenhängender Abschnitt in list vorkommt.
func containsRun(sub, list []string) bool {
	for i := 0; i+len(sub) <= len(list); i++ {
		if slices.Equal(list[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

// IsParent meldet, ob a ein Vorgänger von b ist. Die Wurzel ist Vorgänger jeder Version.
func IsParent(a, b *models.Dataset) bool {
	return containsRun(a.VersionPath(), b.VersionPath())
}

func IsChild(a, b *models.Dataset) bool {
	return IsParent(b, a)
}

// IsSibling vergleicht die Versionspfade ohne das letzte Segment.
func IsSibling(a, b *models.Dataset) bool {
	return slices.Equal(parentPath(a.VersionPath()), parentPath(b.VersionPath()))
}

func parentPath(path []string) []string {
	if len(path) == 0 {
		return path
	}
	return path[:len(path)-1]
}

// ComputeVersionRelations ordnet jeden anderen Datensatz desselben Akronyms höchstens
// einer Liste zu, in der Reihenfolge Vorgänger, Nachfolger, Geschwister.
func ComputeVersionRelations(d *models.Dataset, all []models.Dataset) VersionRelations {
	rel := VersionRelations{Parents: []DatasetRef{}, Children: []DatasetRef{}, Siblings: []DatasetRef{}}
	for i := range all {
		o := &all[i]
		if o.Acronym != d.Acronym || slices.Equal(o.VersionPath(), d.VersionPath()) {
			continue
		}
		switch {
		case IsParent(o, d):
			rel.Parents = append(rel.Parents, refOf(o))
		case IsChild(o, d):
			rel.Children = append(rel.Children, refOf(o))
		case IsSibling(o, d):
			rel.Siblings = append(rel.Siblings, refOf(o))
		}
	}
	return rel
}

// ComputeVersionListing listet für einen Wurzel-Datensatz alle Versionen seines Akronyms.
func ComputeVersionListing(d *models.Dataset, all []models.Dataset) []VersionEntry {
	entries := []VersionEntry{}
	if !d.IsRoot() {
		return entries
	}
	for i := range all {
		o := &all[i]
		if o.Acronym != d.Acronym || o.IsRoot() {
			continue
		}
		entries = append(entries, VersionEntry{
			Acronym:        o.Acronym,
			Versions:       []string(o.Versions),
			AnalysisStatus: o.AnalysisStatus,
			Description:    o.Description,
			Title:          o.Title,
		})
	}
	return entries
}

// ComputeDOIRelations sucht über doi und origins_doi verwandte Datensätze anderer Akronyme.
func ComputeDOIRelations(d *models.Dataset, all []models.Dataset) DOIRelations {
	rel := DOIRelations{Related: []DatasetRef{}, Origin: []DatasetRef{}, SameOrigin: []DatasetRef{}}
	for i := range all {
		o := &all[i]
		if o.Acronym == d.Acronym {
			continue
		}
		if d.DOI != "" && o.OriginsDOI == d.DOI {
			rel.Related = append(rel.Related, refOf(o))
		}
		if d.OriginsDOI != "" && o.DOI == d.OriginsDOI {
			rel.Origin = append(rel.Origin, refOf(o))
		}
		if d.OriginsDOI != "" && o.OriginsDOI == d.OriginsDOI {
			rel.SameOrigin = append(rel.SameOrigin, refOf(o))
		}
	}
	return rel
}
