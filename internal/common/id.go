package common

import (
	"github.com/google/uuid"
)

// NewLibraryID generates a unique library ID with the "lib_" prefix
func NewLibraryID() string {
	return "lib_" + uuid.New().String()
}

// NewCollectionID generates a unique collection ID with the "col_" prefix
func NewCollectionID() string {
	return "col_" + uuid.New().String()
}

// NewImageID generates a unique image ID with the "img_" prefix
func NewImageID() string {
	return "img_" + uuid.New().String()
}

// NewJobID generates a unique scan job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewMessageID generates a unique queue message ID with the "msg_" prefix
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}
