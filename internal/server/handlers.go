package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gazetteer-labs/gazetteer/internal/rag"
	"github.com/gazetteer-labs/gazetteer/internal/session"
	"github.com/gazetteer-labs/gazetteer/models"
)

// Retriever answers standalone search queries.
type Retriever interface {
	Retrieve(ctx context.Context, q models.Query) (models.RetrievalResult, error)
}

// Asker drives one conversational exchange.
type Asker interface {
	Ask(ctx context.Context, sessionID, question string, filters models.Filters) (rag.Answer, error)
}

// Ingestor exposes the ingestion pipeline to the API.
type Ingestor interface {
	Enqueue(documentID string) error
	Delete(ctx context.Context, documentID string) error
	Status(ctx context.Context, documentID string) (models.IngestStatus, bool)
}

// SessionDirectory exposes session lifecycle operations.
type SessionDirectory interface {
	Ensure(id string) string
	Stats(id string) (session.Info, error)
	History(id string) ([]models.Turn, error)
}

// Handlers binds the API surface onto an echo group.
type Handlers struct {
	Retriever Retriever
	Asker     Asker
	Ingestor  Ingestor
	Sessions  SessionDirectory
}

type searchRequest struct {
	Text    string         `json:"text"`
	Filters models.Filters `json:"filters"`
	Limit   int            `json:"limit"`
}

type chatRequest struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Filters   models.Filters `json:"filters"`
}

// Register mounts the handlers under the given group.
func (h *Handlers) Register(api *echo.Group) {
	api.POST("/search", h.search)
	api.POST("/chat", h.chat)
	api.POST("/ingest/:id", h.enqueue)
	api.DELETE("/ingest/:id", h.remove)
	api.GET("/ingest/:id/status", h.status)
	api.GET("/sessions/:id", h.session)
}

func (h *Handlers) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	res, err := h.Retriever.Retrieve(c.Request().Context(), models.Query{Text: req.Text, Filters: req.Filters, Limit: req.Limit})
	if err != nil {
		return mapError(err)
	}
	searchesTotal.WithLabelValues(degradedLabel(res.Degraded)).Inc()
	return c.JSON(http.StatusOK, res)
}

func (h *Handlers) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	sessionID := h.Sessions.Ensure(req.SessionID)
	ans, err := h.Asker.Ask(c.Request().Context(), sessionID, req.Message, req.Filters)
	if err != nil {
		return mapError(err)
	}
	chatsTotal.WithLabelValues(degradedLabel(ans.Degraded)).Inc()
	return c.JSON(http.StatusOK, ans)
}

func (h *Handlers) enqueue(c echo.Context) error {
	id := c.Param("id")
	if err := h.Ingestor.Enqueue(id); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	ingestRequestsTotal.Inc()
	return c.JSON(http.StatusAccepted, map[string]string{
		"document_id": id,
		"state":       models.IngestStatePending,
	})
}

func (h *Handlers) remove(c echo.Context) error {
	if err := h.Ingestor.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) status(c echo.Context) error {
	id := c.Param("id")
	st, ok := h.Ingestor.Status(c.Request().Context(), id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no ingestion record for document %s", id))
	}
	return c.JSON(http.StatusOK, st)
}

type sessionView struct {
	session.Info
	History []models.Turn `json:"history"`
}

func (h *Handlers) session(c echo.Context) error {
	id := c.Param("id")
	info, err := h.Sessions.Stats(id)
	if err != nil {
		return mapError(err)
	}
	turns, err := h.Sessions.History(id)
	if err != nil {
		return mapError(err)
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	return c.JSON(http.StatusOK, sessionView{Info: info, History: turns})
}

// mapError translates the service error taxonomy onto HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, rag.ErrInvalidInput), errors.Is(err, rag.ErrBudgetExceeded):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, rag.ErrTransientUpstream):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, rag.ErrIndexUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func degradedLabel(d bool) string {
	if d {
		return "degraded"
	}
	return "full"
}

// NewEcho builds the echo instance with the shared middleware stack and
// mounts the API.
func NewEcho(h *Handlers, logger *log.Logger) *echo.Echo {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			requestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())
			return err
		}
	})
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h.Register(e.Group("/api"))
	return e
}
