package models

// ArtifactKind names a derived-artifact family. The value doubles as the
// directory name under the artifact root.
type ArtifactKind string

const (
	ArtifactKindThumbnail ArtifactKind = "thumbnails"
	ArtifactKindCache     ArtifactKind = "cache"
)

// StageName returns the job stage a kind's progress is tracked under.
func (k ArtifactKind) StageName() string {
	if k == ArtifactKindCache {
		return StageCache
	}
	return StageThumbnail
}
