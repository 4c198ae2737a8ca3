package models

import "time"

// CommentState ist die Variante eines Kommentars: aktiv oder als Grabstein erhalten.
type CommentState string

const (
	CommentActive     CommentState = "active"
	CommentTombstoned CommentState = "tombstoned"
)

// Comment ist ein Eintrag im Diskussionsbaum eines Datensatzes.
// BelongsTo verweist nur auf das Akronym, nicht auf den vollen Schlüssel.
type Comment struct {
	ID        uint         `json:"id" gorm:"primaryKey"`
	ParentID  *uint        `json:"parent_id" gorm:"index"`
	BelongsTo string       `json:"belongs_to" gorm:"index;not null"`
	Text      string       `json:"text" gorm:"type:text"`
	Author    string       `json:"author"`
	Date      time.Time    `json:"date" gorm:"index"`
	Edited    bool         `json:"edited" gorm:"default:false"`
	State     CommentState `json:"state" gorm:"default:'active'"`
}

// TableName gibt explizit den Tabellennamen an.
func (Comment) TableName() string {
	return "comments"
}

// Deleted meldet, ob der Kommentar zum Grabstein gemacht wurde.
func (c *Comment) Deleted() bool {
	return c.State == CommentTombstoned
}

// Tombstone entfernt Inhalt und Autor, der Datensatz bleibt für die Baumstruktur erhalten.
func (c *Comment) Tombstone() {
	c.Text = ""
	c.Author = ""
	c.State = CommentTombstoned
}
