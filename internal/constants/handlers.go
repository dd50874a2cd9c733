package constants

// Upload constants
const (
	// MaxUploadSize is the maximum size of a multipart upload (32 MB)
	MaxUploadSize = 32 << 20

	// ArchiveFilename is the download name of the attendance archive
	ArchiveFilename = "logsout.zip"
)
