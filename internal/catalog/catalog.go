package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/models"
)

var (
	ErrRecordNotFound = errors.New("catalog record not found")
)

const recordKeyPrefix = "model:"

func recordKey(id int) []byte {
	return []byte(recordKeyPrefix + strconv.Itoa(id))
}

// Catalog is the persisted store of completed model records. Records live in
// the key-value database as compressed JSON; an in-memory map mirrors the
// persisted view so reads never touch disk; an optional full-text index keeps
// query-string search available.
type Catalog struct {
	mu      sync.RWMutex
	db      *database.DB
	idx     bleve.Index
	records map[int]*models.ModelRecord
}

// Open loads a catalog backed by the database at dbPath. When legacyPath
// names an existing flat JSON file and the database holds no records yet, the
// legacy entries are migrated in. The legacy file is left in place. idx may
// be nil when full-text search is not wanted.
func Open(dbPath, legacyPath string, idx bleve.Index) (*Catalog, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		db:      db,
		idx:     idx,
		records: make(map[int]*models.ModelRecord),
	}

	if err := c.loadAll(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if len(c.records) == 0 && legacyPath != "" {
		if _, statErr := os.Stat(legacyPath); statErr == nil {
			if migrated, migErr := c.migrateLegacy(legacyPath); migErr != nil {
				log.WithError(migErr).Warnf("Legacy catalog migration from %s failed", legacyPath)
			} else if migrated > 0 {
				log.Infof("Migrated %d records from legacy catalog %s", migrated, legacyPath)
			}
		}
	}

	return c, nil
}

// Close closes the underlying database and index.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if err := c.db.Close(); err != nil {
		firstErr = err
	}
	if c.idx != nil {
		if err := c.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadAll populates the in-memory map from the database.
func (c *Catalog) loadAll() error {
	return c.db.Fold(func(key, value []byte) error {
		if !strings.HasPrefix(string(key), recordKeyPrefix) {
			return nil
		}
		var record models.ModelRecord
		if err := json.Unmarshal(value, &record); err != nil {
			log.WithError(err).Warnf("Skipping unreadable catalog entry %s", string(key))
			return nil
		}
		c.records[record.ID] = &record
		return nil
	})
}

// migrateLegacy reads a flat JSON map of id -> record and writes every entry
// into the primary store. Entries that fail to persist abort the migration so
// nothing is silently dropped.
func (c *Catalog) migrateLegacy(legacyPath string) (int, error) {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return 0, fmt.Errorf("reading legacy catalog %s: %w", legacyPath, err)
	}

	var legacy map[string]models.ModelRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("parsing legacy catalog %s: %w", legacyPath, err)
	}

	migrated := 0
	for idStr, record := range legacy {
		if record.ID == 0 {
			if id, convErr := strconv.Atoi(idStr); convErr == nil {
				record.ID = id
			}
		}
		if record.ID == 0 {
			log.Warnf("Skipping legacy catalog entry with no id (key %q)", idStr)
			continue
		}
		if c.db.Has(recordKey(record.ID)) {
			log.Warnf("Skipping duplicate legacy catalog entry for model %d (key %q)", record.ID, idStr)
			continue
		}
		rec := record
		if err := c.persist(&rec); err != nil {
			return migrated, err
		}
		c.records[rec.ID] = &rec
		migrated++
	}
	return migrated, nil
}

// persist writes one record to the database and the search index.
func (c *Catalog) persist(record *models.ModelRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshalling record %d: %w", record.ID, err)
	}
	if err := c.db.Put(recordKey(record.ID), data); err != nil {
		return err
	}
	if c.idx != nil {
		if err := index.IndexRecord(c.idx, record); err != nil {
			log.WithError(err).Warnf("Failed to index record %d", record.ID)
		}
	}
	return nil
}

// Add inserts or replaces a record.
func (c *Catalog) Add(record *models.ModelRecord) error {
	if record == nil || record.ID == 0 {
		return errors.New("cannot add record without an id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.persist(record); err != nil {
		return err
	}
	clone := *record
	c.records[record.ID] = &clone
	return nil
}

// Remove deletes a record from the catalog. Returns false when the id is
// unknown. The on-disk model directory is not touched; callers remove it via
// the organizer when they want the files gone too.
func (c *Catalog) Remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[id]; !ok {
		return false
	}

	if err := c.db.Delete(recordKey(id)); err != nil && !errors.Is(err, database.ErrNotFound) {
		log.WithError(err).Warnf("Failed to delete record %d from database", id)
		return false
	}
	if c.idx != nil {
		if err := index.RemoveRecord(c.idx, id); err != nil {
			log.WithError(err).Warnf("Failed to remove record %d from index", id)
		}
	}
	delete(c.records, id)
	return true
}

// Get returns a copy of the record for id.
func (c *Catalog) Get(id int) (models.ModelRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[id]
	if !ok {
		return models.ModelRecord{}, false
	}
	return *record, true
}

// List returns copies of all records sorted by download date, newest first.
func (c *Catalog) List() []models.ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ModelRecord, 0, len(c.records))
	for _, record := range c.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DownloadDate != out[j].DownloadDate {
			return out[i].DownloadDate > out[j].DownloadDate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of records in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Filters constrains Search results. Nil pointer fields and empty strings
// impose no constraint; set fields must all match.
type Filters struct {
	Type      string
	BaseModel string
	Nsfw      *bool
	Favorite  *bool
}

func (f Filters) matches(r *models.ModelRecord) bool {
	if f.Type != "" && !strings.EqualFold(r.Type, f.Type) {
		return false
	}
	if f.BaseModel != "" && !strings.EqualFold(r.BaseModel, f.BaseModel) {
		return false
	}
	if f.Nsfw != nil && r.Nsfw != *f.Nsfw {
		return false
	}
	if f.Favorite != nil && r.Favorite != *f.Favorite {
		return false
	}
	return true
}

// Search returns records whose name, description or tags contain query
// (case-insensitive substring), further narrowed by filters. An empty query
// matches everything.
func (c *Catalog) Search(query string, filters Filters) []models.ModelRecord {
	needle := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.ModelRecord
	for _, record := range c.records {
		if !filters.matches(record) {
			continue
		}
		if needle != "" && !recordMatchesQuery(record, needle) {
			continue
		}
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func recordMatchesQuery(r *models.ModelRecord, needle string) bool {
	if strings.Contains(strings.ToLower(r.Name), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(r.Description), needle) {
		return true
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// Query runs a bleve query string against the full-text index and returns
// the matching records in relevance order. Falls back to substring Search
// when no index is attached.
func (c *Catalog) Query(queryString string) ([]models.ModelRecord, error) {
	if c.idx == nil {
		return c.Search(queryString, Filters{}), nil
	}

	ids, err := index.Search(c.idx, queryString)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ModelRecord, 0, len(ids))
	for _, id := range ids {
		if record, ok := c.records[id]; ok {
			out = append(out, *record)
		}
	}
	return out, nil
}

// Update is one typed field mutation applied through Apply. Using explicit
// variants keeps invalid field names a compile error instead of a silent
// runtime no-op.
type Update interface {
	apply(r *models.ModelRecord)
}

type setFavorite bool
type setRating int
type setName string
type setThumbnail string
type setNsfw bool

func (u setFavorite) apply(r *models.ModelRecord)  { r.Favorite = bool(u) }
func (u setRating) apply(r *models.ModelRecord)    { r.Rating = int(u) }
func (u setName) apply(r *models.ModelRecord)      { r.Name = string(u) }
func (u setThumbnail) apply(r *models.ModelRecord) { r.Thumbnail = string(u) }
func (u setNsfw) apply(r *models.ModelRecord)      { r.Nsfw = bool(u) }

func SetFavorite(v bool) Update    { return setFavorite(v) }
func SetRating(v int) Update       { return setRating(v) }
func SetName(v string) Update      { return setName(v) }
func SetThumbnail(v string) Update { return setThumbnail(v) }
func SetNsfw(v bool) Update        { return setNsfw(v) }

// Apply runs the given updates against the record for id and persists the
// result. Returns ErrRecordNotFound for unknown ids.
func (c *Catalog) Apply(id int, updates ...Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	for _, u := range updates {
		u.apply(record)
	}
	return c.persist(record)
}

// Sync flushes the underlying database to stable storage.
func (c *Catalog) Sync() error {
	return c.db.Sync()
}

// Scan rebuilds catalog entries from metadata snapshots found under root.
// Every directory containing a metadata file is read back into a record;
// records already present are refreshed. Returns how many records were
// loaded.
func (c *Catalog) Scan(root string) (int, error) {
	found := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			log.WithError(walkErr).Warnf("Scan: cannot access %s", path)
			return nil
		}
		if info.IsDir() || info.Name() != models.MetadataFilename {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			log.WithError(readErr).Warnf("Scan: cannot read %s", path)
			return nil
		}

		var record models.ModelRecord
		if err := json.Unmarshal(data, &record); err != nil {
			log.WithError(err).Warnf("Scan: invalid metadata in %s", path)
			return nil
		}
		if record.ID == 0 {
			log.Warnf("Scan: metadata without model id in %s", path)
			return nil
		}

		record.LocalPath = filepath.Dir(path)

		c.mu.Lock()
		persistErr := c.persist(&record)
		if persistErr == nil {
			clone := record
			c.records[record.ID] = &clone
			found++
		}
		c.mu.Unlock()
		if persistErr != nil {
			log.WithError(persistErr).Warnf("Scan: failed to persist record %d", record.ID)
		}
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("scanning %s: %w", root, err)
	}
	return found, nil
}
