package models

import (
	"encoding/json"
)

// StringOrStringSlice is a custom type that can unmarshal from either
// a JSON string or a JSON array of strings. This handles API responses
// where a field may return either format.
type StringOrStringSlice []string

// UnmarshalJSON implements json.Unmarshaler for StringOrStringSlice
func (s *StringOrStringSlice) UnmarshalJSON(data []byte) error {
	// First try to unmarshal as a string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}

	// If that fails, try to unmarshal as an array of strings
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		// Strings first
		SavePath          string `toml:"SavePath" json:"SavePath"` // Install root the organizer writes under
		DatabasePath      string `toml:"DatabasePath" json:"DatabasePath"`
		BleveIndexPath    string `toml:"BleveIndexPath" json:"BleveIndexPath"`
		LegacyCatalogPath string `toml:"LegacyCatalogPath" json:"LegacyCatalogPath"` // Old flat-file catalog, migrated on first load
		LogLevel          string `toml:"LogLevel" json:"LogLevel"`
		LogFormat         string `toml:"LogFormat" json:"LogFormat"`
		APIKey            string `toml:"ApiKey" json:"ApiKey"`
		// Integers
		MaxConcurrentDownloads int `toml:"MaxConcurrentDownloads" json:"MaxConcurrentDownloads"`
		DownloadThreads        int `toml:"DownloadThreads" json:"DownloadThreads"`
		TopImageCount          int `toml:"TopImageCount" json:"TopImageCount"`
		FetchBatchSize         int `toml:"FetchBatchSize" json:"FetchBatchSize"`
		APIDelayMs             int `toml:"ApiDelayMs" json:"ApiDelayMs"`
		APIClientTimeoutSec    int `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec"`
		MaxRetries             int `toml:"MaxRetries" json:"MaxRetries"`
		InitialRetryDelayMs    int `toml:"InitialRetryDelayMs" json:"InitialRetryDelayMs"`
		BandwidthWindowSec     int `toml:"BandwidthWindowSec" json:"BandwidthWindowSec"`
		// Bools
		DownloadModel  bool `toml:"DownloadModel" json:"DownloadModel"`
		DownloadImages bool `toml:"DownloadImages" json:"DownloadImages"`
		DownloadNsfw   bool `toml:"DownloadNsfw" json:"DownloadNsfw"`
		LogApiRequests bool `toml:"LogApiRequests" json:"LogApiRequests"`
	}

	// Model is the /models/{id} response payload.
	Model struct {
		Meta                  interface{}         `json:"meta"`
		Creator               Creator             `json:"creator"`
		Description           string              `json:"description"`
		Type                  string              `json:"type"`
		Name                  string              `json:"name"`
		Mode                  *string             `json:"mode"` // Can be null, "Archived", or "TakenDown"
		AllowCommercialUse    StringOrStringSlice `json:"allowCommercialUse"`
		Tags                  []string            `json:"tags"`
		ModelVersions         []ModelVersion      `json:"modelVersions"`
		Stats                 Stats               `json:"stats"`
		ID                    int                 `json:"id"`
		Poi                   bool                `json:"poi"`
		Nsfw                  bool                `json:"nsfw"`
		AllowNoCredit         bool                `json:"allowNoCredit"`
		AllowDerivatives      bool                `json:"allowDerivatives"`
		AllowDifferentLicense bool                `json:"allowDifferentLicense"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// BaseModelInfo is the nested 'model' field in /model-versions/{id} responses.
	BaseModelInfo struct {
		// Strings first
		Name string `json:"name"`
		Type string `json:"type"`
		Mode string `json:"mode"` // Can be null, "Archived", "TakenDown"
		// Bools
		Nsfw bool `json:"nsfw"`
		Poi  bool `json:"poi"`
	}

	ModelVersion struct {
		CreatedAt            string        `json:"createdAt"`
		PublishedAt          string        `json:"publishedAt"`
		UpdatedAt            string        `json:"updatedAt"`
		BaseModel            string        `json:"baseModel"`
		Description          string        `json:"description"`
		DownloadUrl          string        `json:"downloadUrl"`
		Name                 string        `json:"name"`
		Model                BaseModelInfo `json:"model"`
		TrainedWords         []string      `json:"trainedWords"`
		Images               []ModelImage  `json:"images"`
		Files                []File        `json:"files"`
		Stats                Stats         `json:"stats"`
		ID                   int           `json:"id"`
		ModelId              int           `json:"modelId"`
		EarlyAccessTimeFrame int           `json:"earlyAccessTimeFrame"`
	}

	File struct {
		// Strings first
		Name              string `json:"name"`
		Type              string `json:"type"`
		PickleScanResult  string `json:"pickleScanResult"`
		PickleScanMessage string `json:"pickleScanMessage"`
		VirusScanResult   string `json:"virusScanResult"`
		ScannedAt         string `json:"scannedAt"`
		DownloadUrl       string `json:"downloadUrl"`
		// Structs
		Metadata FileMetadata `json:"metadata"`
		Hashes   Hashes       `json:"hashes"`
		// Float64
		SizeKB float64 `json:"sizeKB"`
		// Integer
		ID int `json:"id"`
		// Bool
		Primary bool `json:"primary"`
	}

	FileMetadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		NsfwLevel interface{}     `json:"nsfwLevel"`
		Meta      json.RawMessage `json:"meta"`
		PostID    *int            `json:"postId"`
		URL       string          `json:"url"`
		Hash      string          `json:"hash"`
		CreatedAt string          `json:"createdAt"`
		Username  string          `json:"username"`
		Stats     ImageStats      `json:"stats"`
		ID        int             `json:"id"`
		Width     int             `json:"width"`
		Height    int             `json:"height"`
		Nsfw      bool            `json:"nsfw"`
	}

	ImageStats struct {
		CryCount     int `json:"cryCount"`
		LaughCount   int `json:"laughCount"`
		LikeCount    int `json:"likeCount"`
		HeartCount   int `json:"heartCount"`
		DislikeCount int `json:"dislikeCount"`
		CommentCount int `json:"commentCount"`
	}

	// ImagePage is the /images endpoint response, cursor-paginated.
	ImagePage struct {
		Items    []ModelImage       `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		// Strings first
		NextPage   string `json:"nextPage"`
		PrevPage   string `json:"prevPage"`
		NextCursor string `json:"nextCursor"`
		// Integers
		TotalItems  int `json:"totalItems"`
		CurrentPage int `json:"currentPage"`
		PageSize    int `json:"pageSize"`
		TotalPages  int `json:"totalPages"`
	}
)

// DateTimeLayout is the timestamp format used in metadata.json snapshots and
// the catalog. Matches the layout the legacy catalog files were written with.
const DateTimeLayout = "2006-01-02 15:04:05"

// MetadataFilename is the snapshot file written into every downloaded
// model's directory.
const MetadataFilename = "metadata.json"

type (
	// ModelRecord is a completed download as stored in the catalog and in the
	// metadata.json snapshot inside the model's directory. The snapshot is the
	// on-disk source of truth used during catalog rebuild.
	ModelRecord struct {
		ID           int               `json:"id"`
		Name         string            `json:"name"`
		Description  string            `json:"description"`
		Type         string            `json:"type"`
		BaseModel    string            `json:"base_model"`
		VersionID    int               `json:"version_id"`
		VersionName  string            `json:"version_name"`
		DownloadUrl  string            `json:"download_url"`
		Tags         []string          `json:"tags"`
		Images       []ImageDescriptor `json:"images"`
		Nsfw         bool              `json:"nsfw"`
		Creator      string            `json:"creator"`
		Stats        Stats             `json:"stats"`
		DownloadDate string            `json:"download_date"`
		LastUpdated  string            `json:"last_updated"`
		SizeBytes    int64             `json:"size"`
		Thumbnail    string            `json:"thumbnail"`
		Favorite     bool              `json:"favorite"`
		LocalPath    string            `json:"path"`
		Rating       int               `json:"rating"`
		Dependencies []Dependency      `json:"dependencies"`
	}

	// ImageDescriptor is one preview image attached to a record.
	ImageDescriptor struct {
		URL       string          `json:"url"`
		LocalPath string          `json:"local_path,omitempty"`
		Nsfw      bool            `json:"nsfw"`
		Width     int             `json:"width"`
		Height    int             `json:"height"`
		Stats     ImageStats      `json:"stats"`
		Meta      json.RawMessage `json:"meta,omitempty"`
	}

	// Dependency is an auxiliary asset a model needs (a required VAE, usually).
	Dependency struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		Required    bool   `json:"required"`
		DownloadUrl string `json:"download_url,omitempty"`
	}
)

// MarshalMetadata renders the record as the indented JSON written to the
// metadata.json snapshot.
func (r *ModelRecord) MarshalMetadata() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// HasLocalImages reports whether at least one image was downloaded to disk.
func (r *ModelRecord) HasLocalImages() bool {
	for _, img := range r.Images {
		if img.LocalPath != "" {
			return true
		}
	}
	return false
}
