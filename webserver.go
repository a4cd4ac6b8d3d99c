package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// =============================================================================
// WEB SERVER
// =============================================================================

type WebServer struct {
	config  Config
	db      *Database
	service *LinkService
	checker *LinkChecker
	server  *http.Server
}

func newWebServer(cfg Config, db *Database, service *LinkService, checker *LinkChecker) *WebServer {
	return &WebServer{
		config:  cfg,
		db:      db,
		service: service,
		checker: checker,
	}
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/links", ws.handleLinks)
	mux.HandleFunc("/api/links/", ws.handleLinkByID)
	mux.HandleFunc("/api/tags", ws.handleTags)
	mux.HandleFunc("/api/collections", ws.handleCollections)
	mux.HandleFunc("/api/notes", ws.handleNotes)
	mux.HandleFunc("/api/preview", ws.handlePreview)
	mux.HandleFunc("/api/stats", ws.handleStats)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zlog.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// =============================================================================
// LINK HANDLERS
// =============================================================================

func (ws *WebServer) handleLinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ws.handleListLinks(w, r)
	case http.MethodPost:
		ws.handleCreateLink(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (ws *WebServer) handleListLinks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = ws.config.Web.PageSize
	}

	opts := ListLinksOptions{
		Search:     query.Get("search"),
		Tag:        query.Get("tag"),
		Collection: query.Get("collection"),
		Page:       page,
		PageSize:   pageSize,
	}

	links, total, err := ws.db.listLinks(opts)
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list links")
		http.Error(w, "Failed to list links", http.StatusInternalServerError)
		return
	}

	ws.setPaginationHeaders(w, r, opts, total)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":     links,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// setPaginationHeaders emits RFC 5988 Link headers with rel="next" and
// rel="prev" so clients can walk the listing without rebuilding query
// strings.
func (ws *WebServer) setPaginationHeaders(w http.ResponseWriter, r *http.Request, opts ListLinksOptions, total int) {
	lastPage := (total + opts.PageSize - 1) / opts.PageSize

	pageURL := func(page int) string {
		values := url.Values{}
		if opts.Search != "" {
			values.Set("search", opts.Search)
		}
		if opts.Tag != "" {
			values.Set("tag", opts.Tag)
		}
		if opts.Collection != "" {
			values.Set("collection", opts.Collection)
		}
		values.Set("page", strconv.Itoa(page))
		values.Set("page_size", strconv.Itoa(opts.PageSize))
		return r.URL.Path + "?" + values.Encode()
	}

	var parts []string
	if opts.Page < lastPage {
		parts = append(parts, fmt.Sprintf(`<%s>; rel="next"`, pageURL(opts.Page+1)))
	}
	if opts.Page > 1 {
		parts = append(parts, fmt.Sprintf(`<%s>; rel="prev"`, pageURL(opts.Page-1)))
	}
	if len(parts) > 0 {
		w.Header().Set("Link", strings.Join(parts, ", "))
	}
}

type createLinkRequest struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Notes      string   `json:"notes"`
	ImageURL   string   `json:"image_url"`
	Tags       []string `json:"tags"`
	Collection string   `json:"collection"`
}

func (ws *WebServer) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	link, err := ws.service.createLink(r.Context(), CreateLinkInput{
		URL:        req.URL,
		Title:      req.Title,
		Notes:      req.Notes,
		ImageURL:   req.ImageURL,
		Tags:       req.Tags,
		Collection: req.Collection,
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"message":             "Link already exists",
				"existing_link_id":    conflict.ExistingID,
				"existing_link_title": conflict.ExistingTitle,
				"existing_link_url":   conflict.ExistingURL,
			})
			return
		}
		var invalid validationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		zlog.Error().Err(err).Msg("failed to create link")
		http.Error(w, "Failed to create link", http.StatusInternalServerError)
		return
	}

	if needsTitleRefresh(link) {
		ws.service.scheduleTitleRefresh(link.ID)
	}
	writeJSON(w, http.StatusCreated, link)
}

func (ws *WebServer) handleLinkByID(w http.ResponseWriter, r *http.Request) {
	segment := strings.TrimPrefix(r.URL.Path, "/api/links/")
	segment = strings.TrimSuffix(segment, "/")

	if segment == "broken" {
		ws.handleBrokenLinks(w, r)
		return
	}

	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		link, err := ws.db.getLink(id)
		if err != nil {
			zlog.Error().Err(err).Int64("link_id", id).Msg("failed to get link")
			http.Error(w, "Failed to get link", http.StatusInternalServerError)
			return
		}
		if link == nil {
			writeError(w, http.StatusNotFound, "Link not found")
			return
		}
		writeJSON(w, http.StatusOK, link)

	case http.MethodPatch:
		ws.handleUpdateLink(w, r, id)

	case http.MethodDelete:
		found, err := ws.db.deleteLink(id)
		if err != nil {
			zlog.Error().Err(err).Int64("link_id", id).Msg("failed to delete link")
			http.Error(w, "Failed to delete link", http.StatusInternalServerError)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "Link not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateLinkRequest struct {
	Title      *string   `json:"title"`
	Notes      *string   `json:"notes"`
	Collection *string   `json:"collection"`
	Tags       *[]string `json:"tags"`
}

func (ws *WebServer) handleUpdateLink(w http.ResponseWriter, r *http.Request, id int64) {
	var req updateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	input := UpdateLinkInput{
		Title:      req.Title,
		Notes:      req.Notes,
		Collection: req.Collection,
	}
	if req.Tags != nil {
		input.Tags = *req.Tags
	}

	link, err := ws.service.updateLink(r.Context(), id, input)
	if err != nil {
		var invalid validationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		zlog.Error().Err(err).Int64("link_id", id).Msg("failed to update link")
		http.Error(w, "Failed to update link", http.StatusInternalServerError)
		return
	}
	if link == nil {
		writeError(w, http.StatusNotFound, "Link not found")
		return
	}

	if needsTitleRefresh(link) {
		ws.service.scheduleTitleRefresh(link.ID)
	}
	writeJSON(w, http.StatusOK, link)
}

func (ws *WebServer) handleBrokenLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	links, err := ws.checker.listBrokenLinks()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list broken links")
		http.Error(w, "Failed to list broken links", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": links,
		"total": len(links),
	})
}

// =============================================================================
// LOOKUP AND UTILITY HANDLERS
// =============================================================================

func (ws *WebServer) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tags, err := ws.db.listTags()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list tags")
		http.Error(w, "Failed to list tags", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (ws *WebServer) handleCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	collections, err := ws.db.listCollections()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list collections")
		http.Error(w, "Failed to list collections", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, collections)
}

func (ws *WebServer) handleNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	notes, err := ws.db.listNotes()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list notes")
		http.Error(w, "Failed to list notes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (ws *WebServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}
	if err := validateFetchURL(rawURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := fetchLinkMetadata(r.Context(), rawURL, ws.config.fetchTimeout())
	writeJSON(w, http.StatusOK, meta)
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	totalLinks, err := ws.db.countLinks()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to count links")
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}
	totalNotes, err := ws.db.countNotes()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to count notes")
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}
	brokenLinks, err := ws.db.countBrokenLinks()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to count broken links")
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}

	var lastPollTime *time.Time
	if state, err := ws.db.getPollerState(); err == nil {
		lastPollTime = state.LastPollTime
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_links":    totalLinks,
		"total_notes":    totalNotes,
		"broken_links":   brokenLinks,
		"last_poll_time": lastPollTime,
		"updated_at":     time.Now().UTC(),
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (ws *WebServer) start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Listen, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	zlog.Info().Str("address", addr).Msg("Starting web server")

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("Web server error")
		}
	}()

	return nil
}

func (ws *WebServer) stop() error {
	if ws.server == nil {
		return nil
	}

	zlog.Info().Msg("Stopping web server")

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		if err := ws.server.Close(); err != nil {
			return fmt.Errorf("failed to force close server: %w", err)
		}
		zlog.Debug().Msg("Web server force closed after graceful shutdown timeout")
		return nil
	}

	return nil
}
