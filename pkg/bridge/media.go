// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ffmpeg"
)

// tempFilePrefix marks files owned by the pipeline so the sweep never
// touches anything else in a shared temp directory.
const tempFilePrefix = "mmbridge-"

// Downloader fetches a media payload from the conversation platform.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// LocalMediaFile is a downloaded, type-verified payload on local disk.
type LocalMediaFile struct {
	Path     string
	Filename string
	MimeType string
	Kind     MessageKind
	Size     int64
	Width    int
	Height   int
}

// Attachment is a payload ready for upload to the channel platform.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
	Kind     MessageKind
	Width    int
	Height   int
}

// PrepareError is a structured attachment-preparation failure. The router
// renders Reason into a text fallback notice instead of dropping the
// message.
type PrepareError struct {
	Reason string
}

func (e *PrepareError) Error() string {
	return e.Reason
}

// MediaPipeline acquires, validates, converts and disposes of media payloads
// crossing the bridge boundary.
type MediaPipeline struct {
	downloader Downloader
	tempDir    string
	maxBytes   int64
	log        zerolog.Logger
}

// NewMediaPipeline creates a pipeline that stages payloads under tempDir and
// enforces the channel platform's size ceiling maxBytes.
func NewMediaPipeline(downloader Downloader, tempDir string, maxBytes int64, log zerolog.Logger) *MediaPipeline {
	return &MediaPipeline{
		downloader: downloader,
		tempDir:    tempDir,
		maxBytes:   maxBytes,
		log:        log.With().Str("component", "media").Logger(),
	}
}

// Ingest downloads a payload, rejects empty or mislabeled content, sniffs
// the real type from magic bytes and stages it in a temp file. The caller
// owns the returned file and must Cleanup its path on every exit path.
func (p *MediaPipeline) Ingest(ctx context.Context, desc *MediaDescriptor, kind MessageKind) (*LocalMediaFile, error) {
	data, err := p.downloader.DownloadFile(ctx, desc.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", desc.FileID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded file %s is empty", desc.FileID)
	}

	sniffed := mimetype.Detect(data)
	mimeType := sniffed.String()
	if err := checkLabel(kind, mimeType); err != nil {
		return nil, err
	}

	filename := desc.Filename
	if filename == "" {
		filename = "file" + sniffed.Extension()
	}

	if err := os.MkdirAll(p.tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(p.tempDir, tempFilePrefix+"*"+sniffed.Extension())
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		p.Cleanup(tmp.Name())
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		p.Cleanup(tmp.Name())
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	file := &LocalMediaFile{
		Path:     tmp.Name(),
		Filename: filename,
		MimeType: mimeType,
		Kind:     kind,
		Size:     int64(len(data)),
	}
	if strings.HasPrefix(mimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			file.Width = cfg.Width
			file.Height = cfg.Height
		}
	}
	return file, nil
}

// checkLabel rejects payloads whose magic-byte type contradicts the declared
// message kind. Exhaustive over the closed kind set.
func checkLabel(kind MessageKind, sniffedMime string) error {
	var wantPrefix string
	switch kind {
	case KindImage, KindSticker:
		wantPrefix = "image/"
	case KindVideo:
		wantPrefix = "video/"
	case KindAudio, KindVoice:
		wantPrefix = "audio/"
	case KindDocument, KindText, KindLocation, KindUnsupported:
		return nil
	}
	if wantPrefix != "" && !strings.HasPrefix(sniffedMime, wantPrefix) {
		// Animated stickers and voice notes sometimes ship in video
		// containers; allow that one mismatch.
		if (kind == KindSticker || kind == KindVoice) && strings.HasPrefix(sniffedMime, "video/") {
			return nil
		}
		return fmt.Errorf("mislabeled payload: declared %s but content is %s", kind, sniffedMime)
	}
	return nil
}

// PrepareForChannel enforces the channel platform's size ceiling and loads
// the payload for upload. Failures come back as a structured PrepareError so
// the router can degrade to a text notice.
func (p *MediaPipeline) PrepareForChannel(file *LocalMediaFile) (*Attachment, *PrepareError) {
	if p.maxBytes > 0 && file.Size > p.maxBytes {
		return nil, &PrepareError{Reason: fmt.Sprintf(
			"file %s is too large: %d bytes exceeds the %d byte limit",
			file.Filename, file.Size, p.maxBytes)}
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, &PrepareError{Reason: fmt.Sprintf("failed to read staged file: %v", err)}
	}
	return &Attachment{
		Filename: file.Filename,
		MimeType: file.MimeType,
		Data:     data,
		Kind:     file.Kind,
		Width:    file.Width,
		Height:   file.Height,
	}, nil
}

// ConvertForCompatibility transcodes formats the channel platform renders
// poorly, currently animated GIF to MP4 video. Best-effort: on transcode
// failure or missing ffmpeg the original file is returned unchanged.
func (p *MediaPipeline) ConvertForCompatibility(ctx context.Context, file *LocalMediaFile) *LocalMediaFile {
	if file.MimeType != "image/gif" {
		return file
	}
	if !ffmpeg.Supported() {
		return file
	}
	outPath, err := ffmpeg.ConvertPath(ctx, file.Path, ".mp4",
		[]string{"-f", "gif"},
		[]string{"-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart",
			"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2"},
		false)
	if err != nil {
		p.log.Warn().Err(err).Str("path", file.Path).Msg("GIF transcode failed, keeping original")
		return file
	}
	info, err := os.Stat(outPath)
	if err != nil {
		p.log.Warn().Err(err).Str("path", outPath).Msg("Transcoded file missing, keeping original")
		return file
	}
	p.Cleanup(file.Path)
	return &LocalMediaFile{
		Path:     outPath,
		Filename: strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename)) + ".mp4",
		MimeType: "video/mp4",
		Kind:     KindVideo,
		Size:     info.Size(),
		Width:    file.Width,
		Height:   file.Height,
	}
}

// Cleanup deletes a staged temp file. Missing files are fine; anything else
// is logged and left for the periodic sweep.
func (p *MediaPipeline) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp file")
	}
}

// PeriodicSweep reclaims pipeline temp files older than maxAge, covering
// artifacts orphaned by interrupted runs.
func (p *MediaPipeline) PeriodicSweep(maxAge time.Duration) {
	entries, err := os.ReadDir(p.tempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("dir", p.tempDir).Msg("Failed to read temp dir for sweep")
		}
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempFilePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			p.Cleanup(filepath.Join(p.tempDir, entry.Name()))
			removed++
		}
	}
	if removed > 0 {
		p.log.Info().Int("removed", removed).Msg("Swept orphaned media temp files")
	}
}

// RunSweeper runs PeriodicSweep on a ticker until the context is done.
func (p *MediaPipeline) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PeriodicSweep(maxAge)
		}
	}
}
