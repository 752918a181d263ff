package index

import (
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/models"
)

const defaultIndexPath = "catalog.bleve"

// Document is the flattened view of a catalog record that gets indexed.
// All fields are searchable by their lowercase JSON tag names (e.g. query
// '+baseModel:SDXL' or '+tags:anime').
type Document struct {
	ID          string   `json:"id"` // "model_<id>"
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	BaseModel   string   `json:"baseModel,omitempty"`
	VersionName string   `json:"versionName,omitempty"`
	CreatorName string   `json:"creatorName,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Nsfw        bool     `json:"nsfw"`
	Favorite    bool     `json:"favorite"`
	Rating      float64  `json:"rating,omitempty"`
	LocalPath   string   `json:"localPath,omitempty"`
}

// DocumentID returns the index document id for a model id.
func DocumentID(modelID int) string {
	return fmt.Sprintf("model_%d", modelID)
}

// FromRecord converts a catalog record into its indexable document.
func FromRecord(r *models.ModelRecord) Document {
	return Document{
		ID:          DocumentID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		BaseModel:   r.BaseModel,
		VersionName: r.VersionName,
		CreatorName: r.Creator,
		Tags:        r.Tags,
		Nsfw:        r.Nsfw,
		Favorite:    r.Favorite,
		Rating:      float64(r.Rating),
		LocalPath:   r.LocalPath,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it
// doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new search index at %s", indexPath)
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing search index at %s", indexPath)
	}
	return idx, nil
}

// IndexRecord adds or updates a record's document in the index.
func IndexRecord(idx bleve.Index, r *models.ModelRecord) error {
	doc := FromRecord(r)
	return idx.Index(doc.ID, doc)
}

// RemoveRecord deletes a record's document from the index.
func RemoveRecord(idx bleve.Index, modelID int) error {
	return idx.Delete(DocumentID(modelID))
}

// Search runs a bleve query string against the index and returns the
// matching model ids in relevance order.
func Search(idx bleve.Index, query string) ([]int, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Size = 100
	searchResults, err := idx.Search(searchRequest)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(searchResults.Hits))
	for _, hit := range searchResults.Hits {
		var id int
		if _, err := fmt.Sscanf(strings.TrimPrefix(hit.ID, "model_"), "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting search index at %s", indexPath)
	return os.RemoveAll(indexPath)
}
