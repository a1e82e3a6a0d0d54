package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"drugnet/config"
	"drugnet/providers"
	"drugnet/services"
)

// app bündelt die Services, die die HTTP-Schicht konsumiert.
type app struct {
	cfg       *config.Config
	drugs     *services.DrugService
	graphs    *services.GraphBuilder
	analysis  *services.AnalysisService
	evidence  *services.EvidenceService
	ingestion *services.IngestionService
	log       *zap.Logger
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" || c.Request.URL.Path == "/health" {
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

func setupRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(apiKeyAuthMiddleware(a.cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupDrugRoutes(router, a)
	setupInteractionRoutes(router, a)
	setupIngestionRoutes(router, a)
	return router
}

func setupDrugRoutes(router *gin.Engine, a *app) {
	rg := router.Group("/drugs")

	rg.GET("", func(c *gin.Context) {
		skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		drugs, err := a.drugs.List(c.Request.Context(), c.Query("q"), skip, limit)
		if err != nil {
			a.log.Error("Drug search failed", zap.String("q", c.Query("q")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, drugs)
	})

	rg.GET("/:id", func(c *gin.Context) {
		drug, err := a.drugs.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.storeError(c, "Drug lookup failed", err)
			return
		}
		c.JSON(http.StatusOK, drug)
	})

	// Mit ?focus=<node> nur der Knoten, seine Nachbarn und die Kanten dazwischen
	rg.GET("/:id/graph", func(c *gin.Context) {
		g, err := a.graphs.Build(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.storeError(c, "Graph build failed", err)
			return
		}
		focus := c.Query("focus")
		if focus == "" {
			c.JSON(http.StatusOK, g)
			return
		}
		view, ok := g.Focus(focus)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not in graph"})
			return
		}
		c.JSON(http.StatusOK, view)
	})

	rg.GET("/:id/interactions", func(c *gin.Context) {
		views, err := a.drugs.Interactions(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.storeError(c, "Interaction listing failed", err)
			return
		}
		c.JSON(http.StatusOK, views)
	})
}

func setupInteractionRoutes(router *gin.Engine, a *app) {
	rg := router.Group("/interactions")

	rg.POST("/analyze", func(c *gin.Context) {
		var req struct {
			DrugA string `json:"drug_a"`
			DrugB string `json:"drug_b"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		res, err := a.analysis.Analyze(c.Request.Context(), req.DrugA, req.DrugB)
		switch {
		case errors.Is(err, services.ErrInvalidPair):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			a.log.Error("Interaction analysis failed",
				zap.String("drug_a", req.DrugA), zap.String("drug_b", req.DrugB),
				zap.String("kind", string(providers.KindOf(err))), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream label source unavailable"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	rg.GET("/:id/evidence", func(c *gin.Context) {
		refs, err := a.evidence.ForInteraction(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.storeError(c, "Evidence lookup failed", err)
			return
		}
		c.JSON(http.StatusOK, refs)
	})
}

func setupIngestionRoutes(router *gin.Engine, a *app) {
	rg := router.Group("/ingestion")

	rg.POST("/run", func(c *gin.Context) {
		var req struct {
			Sources []string `json:"sources"`
			DryRun  bool     `json:"dry_run"`
			Workers int      `json:"workers"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if a.ingestion.Running() {
			c.JSON(http.StatusConflict, gin.H{"error": services.ErrRunInProgress.Error()})
			return
		}

		opts := services.RunOptions{Sources: req.Sources, DryRun: req.DryRun, Workers: req.Workers}
		go func() {
			report, err := a.ingestion.Run(context.Background(), opts)
			if err != nil {
				a.log.Error("Async ingestion run failed", zap.Error(err))
				return
			}
			a.log.Info("Async ingestion run completed", zap.String("run_id", report.RunID), zap.String("status", report.Status))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Ingestion run triggered."})
	})

	rg.GET("/runs", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := a.ingestion.ListRuns(c.Request.Context(), limit)
		if err != nil {
			a.log.Error("Listing ingestion runs failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}

// storeError bildet Lesefehler des Stores auf HTTP-Status ab.
func (a *app) storeError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, services.ErrDrugNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "drug not found"})
	case errors.Is(err, services.ErrInteractionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "interaction not found"})
	default:
		a.log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
	}
}
