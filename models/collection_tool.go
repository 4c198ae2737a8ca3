package models

// CollectionTool beschreibt ein Werkzeug, mit dem Datensätze erfasst wurden.
type CollectionTool struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	Name        string `json:"name" gorm:"uniqueIndex;not null"`
	URL         string `json:"url"`
	Description string `json:"description" gorm:"type:text"`
	KnownIssues string `json:"known_issues" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (CollectionTool) TableName() string {
	return "collection_tools"
}
