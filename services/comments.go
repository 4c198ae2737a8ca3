package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"dataset-catalog/models"
)

// CommentRepository ist die Persistenz der Kommentare.
type CommentRepository interface {
	Create(ctx context.Context, c *models.Comment) error
	Save(ctx context.Context, c *models.Comment) error
	FindByID(ctx context.Context, id uint) (*models.Comment, error)
	ListByAcronym(ctx context.Context, acronym string) ([]models.Comment, error)
}

// AcronymLookup prüft, ob es zu einem Akronym Datensätze gibt.
type AcronymLookup interface {
	ExistsAcronym(ctx context.Context, acronym string) (bool, error)
}

// CommentNode ist ein Kommentar mit seinen Antworten.
type CommentNode struct {
	models.Comment
	Children []*CommentNode `json:"children"`
}

// CommentService verwaltet die Diskussion zu einem Akronym. Kommentare hängen am
// Akronym, nicht an einer bestimmten Version.
type CommentService struct {
	comments CommentRepository
	datasets AcronymLookup
	logger   *zap.Logger
	now      func() time.Time
}

func NewCommentService(comments CommentRepository, datasets AcronymLookup, logger *zap.Logger) *CommentService {
	return &CommentService{comments: comments, datasets: datasets, logger: logger, now: time.Now}
}

func (s *CommentService) requireAcronym(ctx context.Context, acronym string) error {
	ok, err := s.datasets.ExistsAcronym(ctx, acronym)
	if err != nil {
		return storageError(err, "looking up dataset '%s'", acronym)
	}
	if !ok {
		return fmt.Errorf("dataset '%s': %w", acronym, ErrNotFound)
	}
	return nil
}

// Create legt einen Kommentar oder eine Antwort an.
func (s *CommentService) Create(ctx context.Context, belongsTo string, parentID *uint, text, author string) (*models.Comment, error) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(author) == "" {
		return nil, fmt.Errorf("text and author are required: %w", ErrValidation)
	}
	if err := s.requireAcronym(ctx, belongsTo); err != nil {
		return nil, err
	}
	if parentID != nil {
		parent, err := s.comments.FindByID(ctx, *parentID)
		if err != nil {
			return nil, storageError(err, "parent comment %d", *parentID)
		}
		if parent.BelongsTo != belongsTo {
			return nil, fmt.Errorf("parent comment %d belongs to '%s': %w", *parentID, parent.BelongsTo, ErrValidation)
		}
	}

	c := &models.Comment{
		ParentID:  parentID,
		BelongsTo: belongsTo,
		Text:      text,
		Author:    author,
		Date:      s.now().UTC(),
		State:     models.CommentActive,
	}
	if err := s.comments.Create(ctx, c); err != nil {
		return nil, storageError(err, "saving comment")
	}
	s.logger.Info("Comment created", zap.String("dataset", belongsTo), zap.Uint("comment_id", c.ID))
	return c, nil
}

// Edit ersetzt den Text. Gelöschte Kommentare sind nicht mehr änderbar.
func (s *CommentService) Edit(ctx context.Context, id uint, text string) (*models.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required: %w", ErrValidation)
	}
	c, err := s.comments.FindByID(ctx, id)
	if err != nil {
		return nil, storageError(err, "comment %d", id)
	}
	if c.Deleted() {
		return nil, fmt.Errorf("comment %d is deleted: %w", id, ErrValidation)
	}

	c.Text = text
	c.Edited = true
	if err := s.comments.Save(ctx, c); err != nil {
		return nil, storageError(err, "saving comment %d", id)
	}
	return c, nil
}

// Delete macht den Kommentar zum Grabstein; Antworten bleiben erreichbar.
func (s *CommentService) Delete(ctx context.Context, id uint) error {
	c, err := s.comments.FindByID(ctx, id)
	if err != nil {
		return storageError(err, "comment %d", id)
	}
	c.Tombstone()
	if err := s.comments.Save(ctx, c); err != nil {
		return storageError(err, "saving comment %d", id)
	}
	s.logger.Info("Comment deleted", zap.Uint("comment_id", id))
	return nil
}

// Tree baut den Kommentarbaum eines Akronyms aus einer Abfrage. Kommentare, deren
// Elternteil fehlt, erscheinen als Wurzeln.
func (s *CommentService) Tree(ctx context.Context, acronym string) ([]*CommentNode, error) {
	if err := s.requireAcronym(ctx, acronym); err != nil {
		return nil, err
	}
	comments, err := s.comments.ListByAcronym(ctx, acronym)
	if err != nil {
		return nil, storageError(err, "listing comments of '%s'", acronym)
	}
	return buildTree(comments), nil
}

func buildTree(comments []models.Comment) []*CommentNode {
	nodes := make(map[uint]*CommentNode, len(comments))
	for i := range comments {
		nodes[comments[i].ID] = &CommentNode{Comment: comments[i], Children: []*CommentNode{}}
	}

	roots := []*CommentNode{}
	for i := range comments {
		node := nodes[comments[i].ID]
		if pid := node.ParentID; pid != nil && *pid != node.ID {
			if parent, ok := nodes[*pid]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	sortNodes(roots)
	return roots
}

// sortNodes sortiert jede Ebene absteigend nach Datum.
func sortNodes(nodes []*CommentNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Date.Equal(nodes[j].Date) {
			return nodes[i].ID > nodes[j].ID
		}
		return nodes[i].Date.After(nodes[j].Date)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
