package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"meetscribe/internal/common"
)

// Uploader handles storing uploaded recordings on disk.
type Uploader struct {
	baseDir string
}

var allowedAudioMimes = map[string]string{
	common.MimeAudioWAV:  ".wav",
	common.MimeAudioXWAV: ".wav",
	common.MimeAudioMP3:  ".mp3",
	common.MimeAudioM4A:  ".m4a",
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// SaveMultipartAudio validates and stores an uploaded recording (wav/mp3/m4a)
// to disk. It returns the file path and a cleanup function to delete the file.
// The caller should always invoke the cleanup function when the file is no
// longer needed.
func (u *Uploader) SaveMultipartAudio(fileHeader *multipart.FileHeader, maxBytes int64) (string, func() error, string, error) {
	if fileHeader == nil {
		return "", nil, "", fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
		if mimeType == "" {
			mimeType = mimeByAudioExtension(ext)
		}
	}
	if !isAllowedAudioMime(mimeType) {
		return "", nil, "", fmt.Errorf("unsupported content type: %s", mimeType)
	}

	if err := os.MkdirAll(u.baseDir, 0o750); err != nil {
		return "", nil, "", fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ext := pickExtension(mimeType, fileHeader.Filename)
	filename := fmt.Sprintf("%s%s", randomHex(16), ext)
	dstPath := filepath.Join(u.baseDir, filename)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640) // #nosec G304 - path built from random name
	if err != nil {
		return "", nil, "", fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		_ = dst.Close()
	}()

	limited := io.LimitReader(src, maxBytes)
	if _, err := io.Copy(dst, limited); err != nil {
		_ = os.Remove(dstPath)
		return "", nil, "", fmt.Errorf("copy upload: %w", err)
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return dstPath, cleanup, mimeType, nil
}

func isAllowedAudioMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	// Strip parameters like "; codecs=..."
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := allowedAudioMimes[mt]
	return ok
}

// mimeByAudioExtension covers extensions the platform mime table may not know.
func mimeByAudioExtension(ext string) string {
	switch ext {
	case ".wav":
		return common.MimeAudioWAV
	case ".mp3":
		return common.MimeAudioMP3
	case ".m4a":
		return common.MimeAudioM4A
	default:
		return ""
	}
}

func pickExtension(mimeType, original string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := allowedAudioMimes[mt]; ok {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return ".bin"
	}
	return ext
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
