package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// =============================================================================
// MODELS
// =============================================================================

// Image check statuses recorded after an enrichment attempt.
const (
	imageCheckPending  = "pending"
	imageCheckSuccess  = "success"
	imageCheckNotFound = "not_found"
	imageCheckFailed   = "failed"
)

// Link health classifications from the last reachability probe.
const (
	linkStatusActive      = "active"
	linkStatusBroken      = "broken"
	linkStatusUnreachable = "unreachable"
	linkStatusError       = "error"
)

type Link struct {
	ID               int64       `json:"id"`
	URL              string      `json:"url"`
	Title            string      `json:"title"`
	Notes            string      `json:"notes,omitempty"`
	ImageURL         string      `json:"image_url,omitempty"`
	ImageCheckedAt   *time.Time  `json:"image_checked_at,omitempty"`
	ImageCheckStatus string      `json:"image_check_status,omitempty"`
	LinkStatus       string      `json:"link_status,omitempty"`
	HTTPStatusCode   *int        `json:"http_status_code,omitempty"`
	LastCheckedAt    *time.Time  `json:"last_checked_at,omitempty"`
	CollectionID     *int64      `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Tags             []Tag       `json:"tags"`
	Collection       *Collection `json:"collection,omitempty"`
}

type Tag struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	LinkCount int64  `json:"link_count,omitempty"`
}

type Collection struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	LinkCount int64  `json:"link_count,omitempty"`
}

type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PollerState tracks the chat poller's position between iterations. A single
// row (id = 1) holds the last processed update id so restarts resume instead
// of replaying old messages.
type PollerState struct {
	LastUpdateID int64      `json:"last_update_id"`
	LastPollTime *time.Time `json:"last_poll_time,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type ListLinksOptions struct {
	Search     string
	Tag        string // tag slug
	Collection string // collection slug
	Page       int
	PageSize   int
}

// =============================================================================
// DATABASE
// =============================================================================

type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

func newDatabase(cfg Config) (*Database, error) {
	var busyTimeout time.Duration
	var err error
	if cfg.Database.BusyTimeout != "" {
		busyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid busy timeout: %w", err)
		}
	} else {
		busyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(cfg.Database.Path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	busyTimeoutMs := int(busyTimeout.Milliseconds())
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if cfg.Database.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	database := &Database{db: db, path: cfg.Database.Path}

	if err := database.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

func (d *Database) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// getDB safely returns the database connection
func (d *Database) getDB() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	return d.db, nil
}

func (d *Database) runMigrations() error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback migration transaction")
		}
	}()

	for _, stmt := range getMigrationStatements() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w", err)
		}
	}

	return tx.Commit()
}

func getMigrationStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS collections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			title TEXT,
			notes TEXT,
			image_url TEXT,
			image_checked_at DATETIME,
			image_check_status TEXT,
			link_status TEXT,
			http_status_code INTEGER,
			last_checked_at DATETIME,
			collection_id INTEGER REFERENCES collections(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_created_at ON links(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_links_link_status ON links(link_status)`,
		`CREATE INDEX IF NOT EXISTS idx_links_image_check_status ON links(image_check_status)`,
		`CREATE TABLE IF NOT EXISTS link_tags (
			link_id INTEGER NOT NULL REFERENCES links(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (link_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS poller_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			last_update_id INTEGER NOT NULL DEFAULT 0,
			last_poll_time DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (id = 1)
		)`,
		`INSERT OR IGNORE INTO poller_state (id) VALUES (1)`,
	}
}

// slugify lowercases a name and reduces it to alphanumeric runs joined by
// hyphens, mirroring how tag and collection slugs appear in filter URLs.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// =============================================================================
// LINK STORAGE
// =============================================================================

const linkColumns = `l.id, l.url, COALESCE(l.title, ''), COALESCE(l.notes, ''), COALESCE(l.image_url, ''),
	l.image_checked_at, COALESCE(l.image_check_status, ''), COALESCE(l.link_status, ''),
	l.http_status_code, l.last_checked_at, l.collection_id, l.created_at, l.updated_at`

func scanLink(row interface{ Scan(...interface{}) error }) (*Link, error) {
	var l Link
	var imageCheckedAt, lastCheckedAt sql.NullTime
	var httpStatus, collectionID sql.NullInt64

	err := row.Scan(
		&l.ID,
		&l.URL,
		&l.Title,
		&l.Notes,
		&l.ImageURL,
		&imageCheckedAt,
		&l.ImageCheckStatus,
		&l.LinkStatus,
		&httpStatus,
		&lastCheckedAt,
		&collectionID,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if imageCheckedAt.Valid {
		t := imageCheckedAt.Time
		l.ImageCheckedAt = &t
	}
	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		l.LastCheckedAt = &t
	}
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		l.HTTPStatusCode = &code
	}
	if collectionID.Valid {
		id := collectionID.Int64
		l.CollectionID = &id
	}
	return &l, nil
}

func (d *Database) insertLink(link *Link) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	link.CreatedAt = now
	link.UpdatedAt = now

	query := `INSERT INTO links
		(url, title, notes, image_url, image_checked_at, image_check_status,
		 link_status, http_status_code, last_checked_at, collection_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.Exec(query,
		link.URL,
		nullString(link.Title),
		nullString(link.Notes),
		nullString(link.ImageURL),
		nullTime(link.ImageCheckedAt),
		nullString(link.ImageCheckStatus),
		nullString(link.LinkStatus),
		nullInt(link.HTTPStatusCode),
		nullTime(link.LastCheckedAt),
		nullID(link.CollectionID),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get inserted link id: %w", err)
	}
	link.ID = id
	return nil
}

func (d *Database) getLink(id int64) (*Link, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + linkColumns + ` FROM links l WHERE l.id = ?`
	link, err := scanLink(db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}

	if err := d.loadLinkRelations(link); err != nil {
		return nil, err
	}
	return link, nil
}

// getLinkByURL is the duplicate-detection authority: it normalizes the
// candidate and every stored URL and compares for equality. A linear scan is
// deliberate at personal-scale volumes; there is no unique constraint on raw
// URLs because two differently-tracked URLs must collide here.
func (d *Database) getLinkByURL(rawURL string) (*Link, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	normalized := normalizeURL(rawURL)

	rows, err := db.Query(`SELECT id, url, COALESCE(title, '') FROM links`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan links for duplicates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var url, title string
		if err := rows.Scan(&id, &url, &title); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		if normalizeURL(url) == normalized {
			return &Link{ID: id, URL: url, Title: title}, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return nil, nil
}

func (d *Database) listLinks(opts ListLinksOptions) ([]*Link, int, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, 0, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}

	var where []string
	var args []interface{}

	if opts.Search != "" {
		pattern := "%" + strings.ToLower(opts.Search) + "%"
		where = append(where, `(lower(COALESCE(l.title, '')) LIKE ? OR lower(l.url) LIKE ? OR lower(COALESCE(l.notes, '')) LIKE ?)`)
		args = append(args, pattern, pattern, pattern)
	}
	if opts.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM link_tags lt JOIN tags t ON t.id = lt.tag_id WHERE lt.link_id = l.id AND t.slug = ?)`)
		args = append(args, strings.ToLower(opts.Tag))
	}
	if opts.Collection != "" {
		where = append(where, `EXISTS (SELECT 1 FROM collections c WHERE c.id = l.collection_id AND c.slug = ?)`)
		args = append(args, strings.ToLower(opts.Collection))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM links l` + whereClause
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count links: %w", err)
	}

	query := `SELECT ` + linkColumns + ` FROM links l` + whereClause +
		` ORDER BY l.created_at DESC, l.id DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	links, err := d.queryLinks(db, query, args...)
	if err != nil {
		return nil, 0, err
	}

	for _, link := range links {
		if err := d.loadLinkRelations(link); err != nil {
			return nil, 0, err
		}
	}
	return links, total, nil
}

func (d *Database) queryLinks(db *sql.DB, query string, args ...interface{}) ([]*Link, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	links := []*Link{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

func (d *Database) loadLinkRelations(link *Link) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	rows, err := db.Query(`SELECT t.id, t.name, t.slug FROM tags t
		JOIN link_tags lt ON lt.tag_id = t.id WHERE lt.link_id = ? ORDER BY t.name`, link.ID)
	if err != nil {
		return fmt.Errorf("failed to load link tags: %w", err)
	}
	defer rows.Close()

	link.Tags = []Tag{}
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug); err != nil {
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		link.Tags = append(link.Tags, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tags: %w", err)
	}

	if link.CollectionID != nil {
		var c Collection
		err := db.QueryRow(`SELECT id, name, slug FROM collections WHERE id = ?`, *link.CollectionID).
			Scan(&c.ID, &c.Name, &c.Slug)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to load collection: %w", err)
		}
		if err == nil {
			link.Collection = &c
		}
	}
	return nil
}

func (d *Database) setLinkTags(linkID int64, tagIDs []int64) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tag transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback tag transaction")
		}
	}()

	if _, err := tx.Exec(`DELETE FROM link_tags WHERE link_id = ?`, linkID); err != nil {
		return fmt.Errorf("failed to clear link tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO link_tags (link_id, tag_id) VALUES (?, ?)`, linkID, tagID); err != nil {
			return fmt.Errorf("failed to attach tag: %w", err)
		}
	}
	return tx.Commit()
}

// updateLinkFields persists user-editable fields. Enrichment fields are owned
// by updateLinkEnrichment and the title refresher; the two paths must not
// write overlapping columns.
func (d *Database) updateLinkFields(link *Link) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	result, err := db.Exec(`UPDATE links SET title = ?, notes = ?, collection_id = ?, updated_at = ? WHERE id = ?`,
		nullString(link.Title),
		nullString(link.Notes),
		nullID(link.CollectionID),
		time.Now().UTC(),
		link.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	return requireRowAffected(result, "link")
}

func (d *Database) updateLinkTitle(id int64, title string) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	result, err := db.Exec(`UPDATE links SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update link title: %w", err)
	}
	return requireRowAffected(result, "link")
}

// updateLinkEnrichment persists the image and health fields written by the
// link checker. It never touches the title.
func (d *Database) updateLinkEnrichment(link *Link) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	result, err := db.Exec(`UPDATE links SET image_url = ?, image_checked_at = ?, image_check_status = ?,
		link_status = ?, http_status_code = ?, last_checked_at = ? WHERE id = ?`,
		nullString(link.ImageURL),
		nullTime(link.ImageCheckedAt),
		nullString(link.ImageCheckStatus),
		nullString(link.LinkStatus),
		nullInt(link.HTTPStatusCode),
		nullTime(link.LastCheckedAt),
		link.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update link enrichment: %w", err)
	}
	return requireRowAffected(result, "link")
}

func (d *Database) deleteLink(id int64) (bool, error) {
	db, err := d.getDB()
	if err != nil {
		return false, err
	}

	result, err := db.Exec(`DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (d *Database) countLinks() (int, error) {
	return d.countRows(`SELECT COUNT(*) FROM links`)
}

func (d *Database) countNotes() (int, error) {
	return d.countRows(`SELECT COUNT(*) FROM notes`)
}

func (d *Database) countBrokenLinks() (int, error) {
	return d.countRows(`SELECT COUNT(*) FROM links WHERE link_status IN ('broken', 'unreachable', 'error')`)
}

func (d *Database) countRows(query string) (int, error) {
	db, err := d.getDB()
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRow(query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// =============================================================================
// CHECKER CANDIDATE QUERIES
// =============================================================================

// linksNeedingImageCheck returns, capped at batchSize, links matching any of:
// never checked and missing an image; missing an image after a failed check
// older than the cutoff; or carrying an image whose check is missing or older
// than the cutoff.
func (d *Database) linksNeedingImageCheck(batchSize int, cutoff time.Time) ([]*Link, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + linkColumns + ` FROM links l WHERE
		(l.image_url IS NULL AND l.image_checked_at IS NULL)
		OR (l.image_url IS NULL AND l.image_check_status = 'failed' AND l.image_checked_at < ?)
		OR (l.image_url IS NOT NULL AND (l.image_checked_at IS NULL OR l.image_checked_at < ?))
		ORDER BY l.id LIMIT ?`

	return d.queryLinks(db, query, cutoff.UTC(), cutoff.UTC(), batchSize)
}

func (d *Database) linksWithFailedImageCheck(batchSize int) ([]*Link, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + linkColumns + ` FROM links l WHERE l.image_check_status = 'failed' ORDER BY l.id LIMIT ?`
	return d.queryLinks(db, query, batchSize)
}

func (d *Database) brokenLinks() ([]*Link, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + linkColumns + ` FROM links l
		WHERE l.link_status IN ('broken', 'unreachable', 'error') ORDER BY l.id`
	return d.queryLinks(db, query)
}

// =============================================================================
// TAGS AND COLLECTIONS
// =============================================================================

// getOrCreateCollection resolves a collection by case-insensitive name,
// creating it on miss. If a concurrent insert races us into the unique slug
// constraint, the now-existing row is re-read instead of surfacing an error.
func (d *Database) getOrCreateCollection(name string) (*Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	lookup := func() (*Collection, error) {
		var c Collection
		err := db.QueryRow(`SELECT id, name, slug FROM collections WHERE lower(name) = lower(?)`, name).
			Scan(&c.ID, &c.Name, &c.Slug)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to look up collection: %w", err)
		}
		return &c, nil
	}

	if existing, err := lookup(); err != nil || existing != nil {
		return existing, err
	}

	slug := slugify(name)
	result, err := db.Exec(`INSERT INTO collections (name, slug) VALUES (?, ?)`, name, slug)
	if err != nil {
		if existing, lookupErr := lookup(); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get collection id: %w", err)
	}
	return &Collection{ID: id, Name: name, Slug: slug}, nil
}

// getOrCreateTag expects an already-normalized tag name.
func (d *Database) getOrCreateTag(name string) (*Tag, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	lookup := func() (*Tag, error) {
		var t Tag
		err := db.QueryRow(`SELECT id, name, slug FROM tags WHERE lower(name) = lower(?)`, name).
			Scan(&t.ID, &t.Name, &t.Slug)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to look up tag: %w", err)
		}
		return &t, nil
	}

	if existing, err := lookup(); err != nil || existing != nil {
		return existing, err
	}

	slug := slugify(name)
	result, err := db.Exec(`INSERT INTO tags (name, slug) VALUES (?, ?)`, name, slug)
	if err != nil {
		if existing, lookupErr := lookup(); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get tag id: %w", err)
	}
	return &Tag{ID: id, Name: name, Slug: slug}, nil
}

func (d *Database) listTags() ([]Tag, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT t.id, t.name, t.slug, COUNT(lt.link_id)
		FROM tags t LEFT JOIN link_tags lt ON lt.tag_id = t.id
		GROUP BY t.id ORDER BY t.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags := []Tag{}
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.LinkCount); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (d *Database) listCollections() ([]Collection, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT c.id, c.name, c.slug, COUNT(l.id)
		FROM collections c LEFT JOIN links l ON l.collection_id = c.id
		GROUP BY c.id ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	collections := []Collection{}
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.LinkCount); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// =============================================================================
// NOTES
// =============================================================================

func (d *Database) insertNote(title, content string) (*Note, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := db.Exec(`INSERT INTO notes (title, content, created_at) VALUES (?, ?, ?)`,
		title, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert note: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get note id: %w", err)
	}
	return &Note{ID: id, Title: title, Content: content, CreatedAt: now}, nil
}

func (d *Database) listNotes() ([]*Note, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, title, content, created_at FROM notes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []*Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// =============================================================================
// POLLER STATE
// =============================================================================

func (d *Database) getPollerState() (*PollerState, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	var state PollerState
	var lastPollTime sql.NullTime

	err = db.QueryRow(`SELECT last_update_id, last_poll_time, updated_at FROM poller_state WHERE id = 1`).
		Scan(&state.LastUpdateID, &lastPollTime, &state.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("poller state not initialized")
		}
		return nil, fmt.Errorf("failed to get poller state: %w", err)
	}

	if lastPollTime.Valid {
		t := lastPollTime.Time
		state.LastPollTime = &t
	}
	return &state, nil
}

func (d *Database) updatePollerState(lastUpdateID int64, lastPollTime *time.Time) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	result, err := db.Exec(`UPDATE poller_state SET last_update_id = ?, last_poll_time = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
		lastUpdateID, nullTime(lastPollTime))
	if err != nil {
		return fmt.Errorf("failed to update poller state: %w", err)
	}
	return requireRowAffected(result, "poller state")
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func requireRowAffected(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullID(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
