package artifacts

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/anthonynsimon/bild/transform"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/dreamforge/dream-server/internal/utils/hashutil"
)

const thumbnailWidth = 256

// Uploader pushes artifacts to storage off the caller's goroutine.
// Artifact names are content hashes, so re-running the same generation
// overwrites rather than duplicates.
type Uploader struct {
	wp      *workerpool.WorkerPool
	storage Storage
	log     *zap.Logger

	thumbnails bool
}

func NewUploader(storage Storage, maxWorkers int, log *zap.Logger) *Uploader {
	return &Uploader{
		wp:      workerpool.New(maxWorkers),
		storage: storage,
		log:     log,
	}
}

// EnableThumbnails makes every image upload also produce a downscaled
// copy named <hash>_thumb.
func (u *Uploader) EnableThumbnails() {
	u.thumbnails = true
}

// Stop drains pending uploads and shuts the pool down.
func (u *Uploader) Stop() {
	u.wp.StopWait()
}

// UploadBytes schedules an upload and sends the resulting URL on
// response. On failure nothing is sent; callers should select with a
// timeout.
func (u *Uploader) UploadBytes(data []byte, extension string, response chan<- string) {
	hash := hashutil.Blake3Hash(data)
	file := FileInfo{
		Name:      hash,
		Extension: extension,
		Content:   data,
	}

	u.wp.Submit(func() {
		url, err := u.storage.Upload(file)
		if err != nil {
			u.log.Error("artifact upload failed",
				zap.String("name", file.Name),
				zap.Error(err))
			return
		}

		if u.thumbnails {
			u.uploadThumbnail(file)
		}

		response <- url
	})
}

// UploadSync uploads on the calling goroutine and returns the URL.
func (u *Uploader) UploadSync(data []byte, extension string) (string, error) {
	url, err := u.storage.Upload(FileInfo{
		Name:      hashutil.Blake3Hash(data),
		Extension: extension,
		Content:   data,
	})
	if err != nil {
		return "", err
	}

	return url, nil
}

func (u *Uploader) uploadThumbnail(file FileInfo) {
	img, _, err := image.Decode(bytes.NewReader(file.Content))
	if err != nil {
		u.log.Warn("artifact is not a decodable image, skipping thumbnail",
			zap.String("name", file.Name))
		return
	}

	bounds := img.Bounds()
	if bounds.Dx() <= thumbnailWidth {
		return
	}
	height := bounds.Dy() * thumbnailWidth / bounds.Dx()
	thumb := transform.Resize(img, thumbnailWidth, height, transform.Linear)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		u.log.Warn("failed to encode thumbnail", zap.Error(err))
		return
	}

	_, err = u.storage.Upload(FileInfo{
		Name:      fmt.Sprintf("%s_thumb", file.Name),
		Extension: ".png",
		Content:   buf.Bytes(),
	})
	if err != nil {
		u.log.Warn("thumbnail upload failed", zap.String("name", file.Name), zap.Error(err))
	}
}
