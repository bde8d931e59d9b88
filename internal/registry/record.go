package registry

import "time"

// FileRecord is the full persisted metadata of one relayed file. StorageKey
// and AccessToken are internal and must never reach a response body; use
// Public for anything client-facing.
type FileRecord struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"original_name"`
	StorageKey    string    `json:"storage_key"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	AccessToken   string    `json:"access_token"`
	DownloadCount int64     `json:"download_count"`
}

// Expired reports whether the record is past its expiry at now.
// The boundary instant itself counts as expired.
func (r FileRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PublicFile is the externally visible view of a FileRecord.
type PublicFile struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"original_name"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int64     `json:"download_count"`
}

// Public strips the internal fields.
func (r FileRecord) Public() PublicFile {
	return PublicFile{
		ID:            r.ID,
		OriginalName:  r.OriginalName,
		MimeType:      r.MimeType,
		SizeBytes:     r.SizeBytes,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		DownloadCount: r.DownloadCount,
	}
}

// NewFile is the sanitized upload metadata handed to Create once the bytes
// are already in the content store.
type NewFile struct {
	OriginalName string
	StorageKey   string
	MimeType     string
	SizeBytes    int64
	ContentHash  string
}
