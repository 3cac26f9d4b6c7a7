package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
)

// imageCache holds decoded images keyed by path in an LRU so epochs
// after the first avoid re-decoding hot samples.  Evicted Mats are
// closed to release their native memory.
type imageCache struct {
	cache *lru.Cache[string, gocv.Mat]
}

// newImageCache creates a cache holding up to size decoded images
func newImageCache(size int) (*imageCache, error) {

	c, err := lru.NewWithEvict[string, gocv.Mat](size, func(_ string, m gocv.Mat) {
		m.Close()
	})

	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}

	return &imageCache{cache: c}, nil
}

// Get returns the decoded image for path, loading and caching it on a
// miss.  The returned Mat is owned by the cache, callers must not
// close it.
func (c *imageCache) Get(path string) (gocv.Mat, error) {

	if m, ok := c.cache.Get(path); ok {
		return m, nil
	}

	m, err := loadImage(path)

	if err != nil {
		return gocv.Mat{}, err
	}

	c.cache.Add(path, m)

	return m, nil
}

// Close drops every cached image
func (c *imageCache) Close() {
	c.cache.Purge()
}

// loadImage decodes an image file into a BGR Mat.  gocv's native
// decoder is tried first; when it cannot read the file the pure-Go
// decoders registered with image.Decode (JPEG, PNG, BMP) are used as a
// fallback.
func loadImage(path string) (gocv.Mat, error) {

	m := gocv.IMRead(path, gocv.IMReadColor)

	if !m.Empty() {
		return m, nil
	}

	f, err := os.Open(path)

	if err != nil {
		return gocv.Mat{}, fmt.Errorf("open image %q: %w", path, err)
	}

	defer f.Close()

	img, _, err := image.Decode(f)

	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode image %q: %w", path, err)
	}

	m, err = gocv.ImageToMatRGB(img)

	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image %q: %w", path, err)
	}

	return m, nil
}
