package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz    = "/healthz"
	PathRecordings = "/v1/recordings"
)

// Defaults and limits
const (
	DefaultQueueCapacity  = 16
	DefaultWorkerCount    = 1
	DefaultSegmentWorkers = 2
	DefaultChunkSeconds   = 300
)

// MIME types accepted for recording uploads
const (
	MimeAudioWAV  = "audio/wav"
	MimeAudioXWAV = "audio/x-wav"
	MimeAudioMP3  = "audio/mpeg"
	MimeAudioM4A  = "audio/mp4"
)

// Per-job working directory layout
const (
	UploadsDirName     = "uploads"
	JobsDirName        = "jobs"
	SegmentsDirName    = "segments"
	SegmentTextDirName = "segments_text"
	FinalDirName       = "final"
	LogsDirName        = "logs"
	ManifestFileName   = "manifest.log"
)

// External tools used by the audio splitter
const (
	FFmpegExecutable  = "ffmpeg"
	FFprobeExecutable = "ffprobe"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusPartial   = "partially_completed"
	StatusFailed    = "failed"
)
