package storage

import (
	"context"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"dataset-catalog/models"
)

// DatasetRepository speichert Datensätze in PostgreSQL.
type DatasetRepository struct {
	db *gorm.DB
}

func NewDatasetRepository(db *gorm.DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

func (r *DatasetRepository) Create(ctx context.Context, d *models.Dataset) error {
	return translate(r.db.WithContext(ctx).Create(d).Error)
}

func (r *DatasetRepository) Save(ctx context.Context, d *models.Dataset) error {
	return translate(r.db.WithContext(ctx).Save(d).Error)
}

func (r *DatasetRepository) Delete(ctx context.Context, d *models.Dataset) error {
	return translate(r.db.WithContext(ctx).Delete(d).Error)
}

// FindByKey sucht über den zusammengesetzten Schlüssel (Acronym, Versions).
func (r *DatasetRepository) FindByKey(ctx context.Context, acronym string, versions []string) (*models.Dataset, error) {
	var d models.Dataset
	err := r.db.WithContext(ctx).
		Where("acronym = ? AND versions = ?", acronym, pq.StringArray(versions)).
		First(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *DatasetRepository) ExistsAcronym(ctx context.Context, acronym string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Dataset{}).Where("acronym = ?", acronym).Count(&count).Error
	return count > 0, translate(err)
}

// List liefert alle Datensätze, sortiert nach Akronym und Versionen.
func (r *DatasetRepository) List(ctx context.Context) ([]models.Dataset, error) {
	var datasets []models.Dataset
	err := r.db.WithContext(ctx).Order("acronym").Order("versions").Find(&datasets).Error
	return datasets, translate(err)
}

func (r *DatasetRepository) ListByStatus(ctx context.Context, status models.DatasetStatus) ([]models.Dataset, error) {
	var datasets []models.Dataset
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("date_submitted DESC").Find(&datasets).Error
	return datasets, translate(err)
}

// CommentRepository speichert Kommentare.
type CommentRepository struct {
	db *gorm.DB
}

func NewCommentRepository(db *gorm.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

func (r *CommentRepository) Create(ctx context.Context, c *models.Comment) error {
	return translate(r.db.WithContext(ctx).Create(c).Error)
}

func (r *CommentRepository) Save(ctx context.Context, c *models.Comment) error {
	return translate(r.db.WithContext(ctx).Save(c).Error)
}

func (r *CommentRepository) FindByID(ctx context.Context, id uint) (*models.Comment, error) {
	var c models.Comment
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// ListByAcronym lädt alle Kommentare eines Akronyms mit einer Abfrage.
func (r *CommentRepository) ListByAcronym(ctx context.Context, acronym string) ([]models.Comment, error) {
	var comments []models.Comment
	err := r.db.WithContext(ctx).Where("belongs_to = ?", acronym).Order("date DESC").Find(&comments).Error
	return comments, translate(err)
}

// CollectionToolRepository speichert Sammelwerkzeuge.
type CollectionToolRepository struct {
	db *gorm.DB
}

func NewCollectionToolRepository(db *gorm.DB) *CollectionToolRepository {
	return &CollectionToolRepository{db: db}
}

func (r *CollectionToolRepository) List(ctx context.Context) ([]models.CollectionTool, error) {
	var tools []models.CollectionTool
	err := r.db.WithContext(ctx).Order("name").Find(&tools).Error
	return tools, translate(err)
}

func (r *CollectionToolRepository) FindByName(ctx context.Context, name string) (*models.CollectionTool, error) {
	var t models.CollectionTool
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *CollectionToolRepository) Create(ctx context.Context, t *models.CollectionTool) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

func (r *CollectionToolRepository) Save(ctx context.Context, t *models.CollectionTool) error {
	return translate(r.db.WithContext(ctx).Save(t).Error)
}

func (r *CollectionToolRepository) Delete(ctx context.Context, t *models.CollectionTool) error {
	return translate(r.db.WithContext(ctx).Delete(t).Error)
}
