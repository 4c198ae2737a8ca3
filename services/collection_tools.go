package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dataset-catalog/models"
)

// CollectionToolRepository ist die Persistenz der Sammelwerkzeuge.
type CollectionToolRepository interface {
	List(ctx context.Context) ([]models.CollectionTool, error)
	FindByName(ctx context.Context, name string) (*models.CollectionTool, error)
	Create(ctx context.Context, t *models.CollectionTool) error
	Save(ctx context.Context, t *models.CollectionTool) error
	Delete(ctx context.Context, t *models.CollectionTool) error
}

// CollectionToolEdit enthält die zu ändernden Felder; nil bedeutet unverändert.
type CollectionToolEdit struct {
	URL         *string
	Description *string
	KnownIssues *string
}

type CollectionToolService struct {
	tools  CollectionToolRepository
	logger *zap.Logger
}

func NewCollectionToolService(tools CollectionToolRepository, logger *zap.Logger) *CollectionToolService {
	return &CollectionToolService{tools: tools, logger: logger}
}

func (s *CollectionToolService) List(ctx context.Context) ([]models.CollectionTool, error) {
	tools, err := s.tools.List(ctx)
	if err != nil {
		return nil, storageError(err, "listing collection tools")
	}
	if tools == nil {
		tools = []models.CollectionTool{}
	}
	return tools, nil
}

func (s *CollectionToolService) Get(ctx context.Context, name string) (*models.CollectionTool, error) {
	t, err := s.tools.FindByName(ctx, name)
	if err != nil {
		return nil, storageError(err, "collection tool '%s'", name)
	}
	return t, nil
}

// Create legt ein Werkzeug an; der Name ist eindeutig.
func (s *CollectionToolService) Create(ctx context.Context, t models.CollectionTool) (*models.CollectionTool, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("name is required: %w", ErrValidation)
	}
	switch _, err := s.Get(ctx, t.Name); {
	case err == nil:
		return nil, fmt.Errorf("collection tool '%s' already exists: %w", t.Name, ErrConflict)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	t.ID = 0
	if err := s.tools.Create(ctx, &t); err != nil {
		return nil, storageError(err, "saving collection tool '%s'", t.Name)
	}
	s.logger.Info("Collection tool created", zap.String("name", t.Name))
	return &t, nil
}

func (s *CollectionToolService) Edit(ctx context.Context, name string, edit CollectionToolEdit) (*models.CollectionTool, error) {
	t, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if edit.URL != nil {
		t.URL = *edit.URL
	}
	if edit.Description != nil {
		t.Description = *edit.Description
	}
	if edit.KnownIssues != nil {
		t.KnownIssues = *edit.KnownIssues
	}
	if err := s.tools.Save(ctx, t); err != nil {
		return nil, storageError(err, "saving collection tool '%s'", name)
	}
	return t, nil
}

func (s *CollectionToolService) Delete(ctx context.Context, name string) error {
	t, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := s.tools.Delete(ctx, t); err != nil {
		return storageError(err, "deleting collection tool '%s'", name)
	}
	s.logger.Info("Collection tool deleted", zap.String("name", name))
	return nil
}
