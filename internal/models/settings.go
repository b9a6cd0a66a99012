package models

import (
	"time"
)

// RuntimeSettings are the persisted render settings the generation pipeline
// resolves at consumer start. Messages carry dimensions for audit, but the
// effective format, quality and target sizes always come from here so a
// settings change applies to in-flight work after a restart.
type RuntimeSettings struct {
	ThumbnailWidth  int       `json:"thumbnail_width"`
	ThumbnailHeight int       `json:"thumbnail_height"`
	CacheWidth      int       `json:"cache_width"`
	CacheHeight     int       `json:"cache_height"`
	CacheFormat     string    `json:"cache_format"`
	CacheQuality    int       `json:"cache_quality"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CollectionDefaults builds the settings snapshot applied to newly created
// collections.
func (s *RuntimeSettings) CollectionDefaults() CollectionSettings {
	return CollectionSettings{
		GenerateThumbnails: true,
		GenerateCache:      true,
		ThumbnailWidth:     s.ThumbnailWidth,
		ThumbnailHeight:    s.ThumbnailHeight,
		CacheWidth:         s.CacheWidth,
		CacheHeight:        s.CacheHeight,
		CacheFormat:        s.CacheFormat,
		CacheQuality:       s.CacheQuality,
	}
}
