package storage

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func makeMultipartFile(t *testing.T, filename string, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://example/upload", &b)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := req.ParseMultipartForm(int64(b.Len()) + 1024); err != nil {
		t.Fatalf("ParseMultipartForm: %v", err)
	}
	fhs := req.MultipartForm.File["file"]
	if len(fhs) == 0 {
		t.Fatalf("no fileheaders parsed")
	}
	// Optionally override detected header content-type for stricter testing
	if contentType != "" {
		fhs[0].Header.Set("Content-Type", contentType)
	}
	return fhs[0]
}

func TestUploader_SaveMultipartAudio_WAV(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "meeting.wav", "audio/wav", []byte("riffdata"))
	path, cleanup, mime, err := up.SaveMultipartAudio(fh, 10*1024*1024)
	if err != nil {
		t.Fatalf("SaveMultipartAudio: %v", err)
	}
	defer func() {
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	if mime != "audio/wav" {
		t.Fatalf("mime = %q", mime)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file not found: %v", err)
	}
	if filepath.Ext(path) != ".wav" {
		t.Fatalf("expected .wav extension, got %s", path)
	}
	// Ensure stored under uploads dir
	if filepath.Dir(path) != filepath.Join(tmp, "uploads") {
		t.Fatalf("file not stored under uploads dir: %s", path)
	}
}

func TestUploader_SaveMultipartAudio_MP3_ByExtension(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	// Generic content type forces the extension fallback.
	fh := makeMultipartFile(t, "standup.mp3", "application/octet-stream", []byte("id3data"))
	path, cleanup, mime, err := up.SaveMultipartAudio(fh, 10*1024*1024)
	if err != nil {
		t.Fatalf("SaveMultipartAudio: %v", err)
	}
	defer func() {
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	if mime != "audio/mpeg" {
		t.Fatalf("mp3 mime expected, got %q", mime)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file not found: %v", err)
	}
}

func TestUploader_SaveMultipartAudio_RejectsUnsupported(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "doc.txt", "text/plain", []byte("text"))
	_, _, _, err := up.SaveMultipartAudio(fh, 1024)
	if err == nil {
		t.Fatalf("expected error for unsupported mime")
	}
}

func TestUploader_CleanupRemovesFile(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "keep.m4a", "audio/mp4", []byte("m4a"))
	path, cleanup, _, err := up.SaveMultipartAudio(fh, 10*1024*1024)
	if err != nil {
		t.Fatalf("SaveMultipartAudio: %v", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup is nil")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file not found before cleanup: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("file still exists after cleanup")
	}
}
