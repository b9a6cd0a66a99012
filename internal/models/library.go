package models

import (
	"time"
)

// Library is a user-configured root directory whose immediate children are
// classified into collections. Libraries are registered from configuration at
// startup and are immutable within the pipeline.
type Library struct {
	ID              string             `json:"id" badgerhold:"key"`
	Name            string             `json:"name"`
	RootPath        string             `json:"root_path" badgerhold:"index"`
	AutoScan        bool               `json:"auto_scan"` // Include in scheduled scans
	DefaultSettings CollectionSettings `json:"default_settings"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
