package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"geo-harvest/app"
	"geo-harvest/models"
	"geo-harvest/services"
)

// backgroundRunner startet lang laufende Aufträge im Hintergrund, höchstens einen pro Name.
type backgroundRunner struct {
	log     *zap.Logger
	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func newBackgroundRunner(log *zap.Logger) *backgroundRunner {
	return &backgroundRunner{log: log, running: map[string]bool{}}
}

// Go startet fn, sofern unter name nicht bereits ein Auftrag läuft.
func (r *backgroundRunner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		return false
	}
	r.running[name] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, name)
			r.mu.Unlock()
		}()
		r.log.Info("Auftrag gestartet", zap.String("job", name))
		if err := fn(context.Background()); err != nil {
			r.log.Error("Auftrag fehlgeschlagen", zap.String("job", name), zap.Error(err))
			return
		}
		r.log.Info("Auftrag beendet", zap.String("job", name))
	}()
	return true
}

// Wait blockiert, bis alle gestarteten Aufträge beendet sind.
func (r *backgroundRunner) Wait() {
	r.wg.Wait()
}

func accepted(c *gin.Context, runner *backgroundRunner, name string, fn func(ctx context.Context) error) {
	if !runner.Go(name, fn) {
		c.JSON(http.StatusConflict, gin.H{"error": name + " is already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job": name})
}

func setupSourceRoutes(rg *gin.RouterGroup, a *app.App) {
	rg.GET("/sources", func(c *gin.Context) {
		var sources []models.Source
		if err := a.DB.Order("id").Find(&sources).Error; err != nil {
			a.Logger.Error("Database query for sources failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, sources)
	})

	rg.POST("/sources", func(c *gin.Context) {
		var req struct {
			Name           string `json:"name" binding:"required"`
			ISSNL          string `json:"issn_l"`
			HarvestURL     string `json:"harvest_url"`
			FeedType       string `json:"feed_type"`
			HomepageURL    string `json:"homepage_url"`
			CollectionName string `json:"collection_name"`
			IsPreprint     bool   `json:"is_preprint"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		switch req.FeedType {
		case "":
			req.FeedType = models.FeedTypeOAIPMH
		case models.FeedTypeOAIPMH, models.FeedTypeRSS:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown feed_type"})
			return
		}

		src := models.Source{
			Name:           req.Name,
			ISSNL:          req.ISSNL,
			HarvestURL:     req.HarvestURL,
			FeedType:       req.FeedType,
			HomepageURL:    req.HomepageURL,
			CollectionName: req.CollectionName,
			IsPreprint:     req.IsPreprint,
		}
		if err := a.DB.Create(&src).Error; err != nil {
			a.Logger.Warn("Failed to create source", zap.String("name", req.Name), zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": "failed to create source"})
			return
		}
		c.JSON(http.StatusCreated, src)
	})

	rg.GET("/events/:id", func(c *gin.Context) {
		var ev models.HarvestingEvent
		if err := a.DB.First(&ev, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
				return
			}
			a.Logger.Error("DB error loading event", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, ev)
	})
}

func setupHarvestRoutes(rg *gin.RouterGroup, a *app.App, runner *backgroundRunner) {
	rg.POST("/harvest", func(c *gin.Context) {
		accepted(c, runner, services.JobHarvestSources, func(ctx context.Context) error {
			_, err := a.Harvester.RunForAllSources(ctx)
			return err
		})
	})

	// Einzelne Quellen laufen synchron, damit der Aufrufer das Event sofort sieht.
	rg.POST("/harvest/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
			return
		}
		var src models.Source
		if err := a.DB.First(&src, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		ev, err := a.Harvester.RunForSource(c.Request.Context(), &src)
		if ev == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if err != nil {
			status = http.StatusBadGateway
		}
		c.JSON(status, ev)
	})
}

func setupSyncRoutes(rg *gin.RouterGroup, a *app.App, runner *backgroundRunner) {
	rg.POST("/sync", func(c *gin.Context) {
		if issn := c.Query("issn"); issn != "" {
			res, err := a.Synchronizer.SyncByISSN(c.Request.Context(), issn)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			case errors.Is(err, services.ErrPrivateAddress):
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			case err != nil:
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusOK, res)
			}
			return
		}
		accepted(c, runner, services.JobSyncSources, func(ctx context.Context) error {
			_, err := a.Synchronizer.Sweep(ctx)
			return err
		})
	})
}

func setupExportRoutes(rg *gin.RouterGroup, a *app.App, runner *backgroundRunner) {
	rg.POST("/exports/regenerate", func(c *gin.Context) {
		accepted(c, runner, services.JobRegenerateExports, func(ctx context.Context) error {
			_, err := a.Cache.RegenerateAll(ctx)
			return err
		})
	})

	rg.GET("/exports/:kind", func(c *gin.Context) {
		kind := services.ArtifactKind(c.Param("kind"))
		if kind != services.KindGeoJSON && kind != services.KindGeoPackage {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown export kind"})
			return
		}
		rec, err := a.Cache.Latest(c.Request.Context(), kind)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "export not generated yet"})
				return
			}
			a.Logger.Error("DB error loading export artifact", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.Header("X-Generated-At", rec.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z"))
		c.File(rec.Path)
	})
}
