package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dataset-catalog/config"
	"dataset-catalog/models"
	"dataset-catalog/services"
)

const identityKey = "identity"

// Syncer holt den Remote-Stand des Analyse-Repositorys.
type Syncer interface {
	Sync(ctx context.Context) error
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// identityMiddleware übernimmt den Aufrufer aus den Headern der vorgeschalteten Authentifizierung.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, _ := strconv.ParseBool(c.GetHeader("X-User-Admin"))
		c.Set(identityKey, services.Identity{
			Email: strings.TrimSpace(c.GetHeader("X-User-Email")),
			Admin: admin,
		})
		c.Next()
	}
}

func identity(c *gin.Context) services.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(services.Identity); ok {
			return id
		}
	}
	return services.Identity{}
}

// statusFor bildet die Fehlerklassen der Services auf HTTP-Statuscodes ab.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// datasetKey liest Akronym und Versionen aus dem Pfad; "*" steht für die Wurzel.
func datasetKey(c *gin.Context) (string, []string) {
	return c.Param("acronym"), services.ParseVersions(c.Param("versions"))
}

// optionalForm liefert nil, wenn das Feld nicht gesendet wurde.
func optionalForm(c *gin.Context, key string) *string {
	if v, ok := c.GetPostForm(key); ok {
		return &v
	}
	return nil
}

func optionalList(c *gin.Context, key string) *[]string {
	if v, ok := c.GetPostForm(key); ok {
		list := services.SplitList(v)
		return &list
	}
	return nil
}

func formUpload(c *gin.Context) (*services.Upload, func(), error) {
	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, fmt.Errorf("reading upload: %w", services.ErrValidation)
	}
	f, err := header.Open()
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening upload: %w", err)
	}
	return &services.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        f,
	}, func() { f.Close() }, nil
}

// parseSubmitter liest das Formularfeld submitter ({"name": ..., "email": ...}).
// Fehlt es, wird die E-Mail des Aufrufers verwendet.
func parseSubmitter(raw string, id services.Identity) (models.Submitter, error) {
	var s models.Submitter
	if strings.TrimSpace(raw) == "" {
		s.Email = id.Email
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("wrong submitter format: %v: %w", err, services.ErrValidation)
	}
	return s, nil
}

func setupGitRoutes(rg *gin.RouterGroup, syncer Syncer, log *zap.Logger) {
	rg.GET("/git_sync", func(c *gin.Context) {
		if err := syncer.Sync(c.Request.Context()); err != nil {
			log.Error("Git sync request failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "git sync failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Analysis repository synced"})
	})
}

func setupDatasetRoutes(rg *gin.RouterGroup, svc *services.DatasetService, log *zap.Logger) {
	rg.GET("/requests", func(c *gin.Context) {
		requests, err := svc.Requests(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, requests)
	})

	rg.POST("/requests", func(c *gin.Context) {
		submitter, err := parseSubmitter(c.PostForm("submitter"), identity(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		upload, closeUpload, err := formUpload(c)
		if err != nil {
			writeError(c, log, err)
			return
		}
		defer closeUpload()

		input := services.DatasetInput{
			Acronym:     c.PostForm("acronym"),
			Versions:    services.ParseVersions(c.PostForm("versions")),
			Title:       c.PostForm("title"),
			PaperTitle:  c.PostForm("paper_title"),
			Authors:     services.SplitList(c.PostForm("authors")),
			Description: c.PostForm("description"),
			Format:      c.PostForm("format"),
			DOI:         c.PostForm("doi"),
			OriginsDOI:  c.PostForm("origins_doi"),
			Submitter:   submitter,
			Tags:        services.SplitList(c.PostForm("tags")),
			URL:         c.PostForm("url"),
			LabelName:   c.PostForm("label_name"),
		}
		d, err := svc.Create(c.Request.Context(), input, upload)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, d)
	})

	rg.GET("/datasets", func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, list)
	})

	rg.GET("/datasets/:acronym/:versions", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		detail, err := svc.Get(c.Request.Context(), acronym, versions)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	})

	rg.POST("/datasets/:acronym/:versions/edit", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		edit := services.DatasetEdit{
			Title:          optionalForm(c, "title"),
			PaperTitle:     optionalForm(c, "paper_title"),
			Authors:        optionalList(c, "authors"),
			Description:    optionalForm(c, "description"),
			Format:         optionalForm(c, "format"),
			DOI:            optionalForm(c, "doi"),
			OriginsDOI:     optionalForm(c, "origins_doi"),
			Tags:           optionalList(c, "tags"),
			URL:            optionalForm(c, "url"),
			AnalysisStatus: optionalForm(c, "analysis_status"),
			LabelName:      optionalForm(c, "label_name"),
		}
		if raw, ok := c.GetPostForm("versions"); ok {
			parsed := services.ParseVersions(raw)
			edit.Versions = &parsed
		}

		d, err := svc.Edit(c.Request.Context(), identity(c), acronym, versions, edit)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Dataset %s updated", d.Acronym), "dataset": d})
	})

	rg.POST("/datasets/:acronym/:versions/upload", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		upload, closeUpload, err := formUpload(c)
		if err != nil {
			writeError(c, log, err)
			return
		}
		defer closeUpload()
		if upload == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}

		if _, err := svc.UploadFile(c.Request.Context(), identity(c), acronym, versions, *upload); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("File for dataset %s uploaded", acronym)})
	})

	rg.POST("/datasets/:acronym/:versions/status", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		d, err := svc.SetStatus(c.Request.Context(), identity(c), acronym, versions, c.PostForm("status"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})

	rg.DELETE("/datasets/:acronym/:versions", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		if err := svc.Delete(c.Request.Context(), identity(c), acronym, versions); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Dataset %s deleted", acronym)})
	})

	rg.GET("/files/:acronym/:versions", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		link, err := svc.DownloadLink(c.Request.Context(), acronym, versions)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"filelink": link})
	})

	rg.GET("/analysis_files/:acronym/:versions/:filename", func(c *gin.Context) {
		acronym, versions := datasetKey(c)
		filename := c.Param("filename")
		path, err := svc.AnalysisFile(c.Request.Context(), acronym, versions, filename)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.FileAttachment(path, filename)
	})
}

func setupCommentRoutes(rg *gin.RouterGroup, svc *services.CommentService, log *zap.Logger) {
	commentID := func(c *gin.Context) (uint, bool) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid comment id"})
			return 0, false
		}
		return uint(id), true
	}

	rg.POST("/comments", func(c *gin.Context) {
		var parentID *uint
		if raw := c.PostForm("parent_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent_id"})
				return
			}
			pid := uint(id)
			parentID = &pid
		}
		author := c.PostForm("author")
		if author == "" {
			author = identity(c).Email
		}

		comment, err := svc.Create(c.Request.Context(), c.PostForm("belongs_to"), parentID, c.PostForm("text"), author)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, comment)
	})

	rg.POST("/comments/:id", func(c *gin.Context) {
		id, ok := commentID(c)
		if !ok {
			return
		}
		comment, err := svc.Edit(c.Request.Context(), id, c.PostForm("text"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, comment)
	})

	rg.DELETE("/comments/:id", func(c *gin.Context) {
		id, ok := commentID(c)
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), id); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Comment %d deleted", id)})
	})

	rg.GET("/comments/:id", func(c *gin.Context) {
		// der Pfadparameter ist hier das Akronym
		tree, err := svc.Tree(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, tree)
	})
}

func setupCollectionToolRoutes(rg *gin.RouterGroup, svc *services.CollectionToolService, log *zap.Logger) {
	tools := rg.Group("/collectionTools")

	tools.GET("", func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, list)
	})

	tools.GET("/:name", func(c *gin.Context) {
		tool, err := svc.Get(c.Request.Context(), c.Param("name"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, tool)
	})

	tools.POST("", func(c *gin.Context) {
		tool, err := svc.Create(c.Request.Context(), models.CollectionTool{
			Name:        c.PostForm("name"),
			URL:         c.PostForm("url"),
			Description: c.PostForm("description"),
			KnownIssues: c.PostForm("known_issues"),
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, tool)
	})

	tools.POST("/:name", func(c *gin.Context) {
		tool, err := svc.Edit(c.Request.Context(), c.Param("name"), services.CollectionToolEdit{
			URL:         optionalForm(c, "url"),
			Description: optionalForm(c, "description"),
			KnownIssues: optionalForm(c, "known_issues"),
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, tool)
	})

	tools.DELETE("/:name", func(c *gin.Context) {
		name := c.Param("name")
		if err := svc.Delete(c.Request.Context(), name); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Collection tool %s deleted", name)})
	})
}
