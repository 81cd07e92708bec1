package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxImageBytes caps fetched and decoded images.
const DefaultMaxImageBytes = 20 << 20

var (
	ErrImageTooLarge   = errors.New("image exceeds size limit")
	ErrNotAnImage      = errors.New("reference is not an image")
	ErrInvalidImageRef = errors.New("invalid image reference")
)

// Fetcher resolves a data URL or an http(s) URL to image bytes.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "data:"):
		return f.decodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	default:
		return Image{}, ErrInvalidImageRef
	}
}

func (f *Fetcher) decodeDataURL(ref string) (Image, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: data url without payload", ErrInvalidImageRef)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > int(f.maxBytes)+2 {
		return Image{}, ErrImageTooLarge
	}

	mediaType, _, _ := strings.Cut(header, ";")
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(header, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var s string
		s, err = url.PathUnescape(payload)
		data = []byte(s)
	}
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidImageRef, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Image{}, ErrImageTooLarge
	}
	return imageOf(data, mediaType)
}

func (f *Fetcher) download(ctx context.Context, ref string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidImageRef, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return Image{}, ErrImageTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Image{}, ErrImageTooLarge
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return imageOf(data, mediaType)
}

// imageOf trusts a declared image/* type and otherwise sniffs the bytes.
func imageOf(data []byte, declared string) (Image, error) {
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty", ErrInvalidImageRef)
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(declared, "image/") {
		return Image{Data: data, MIME: declared}, nil
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return Image{}, fmt.Errorf("%w: detected %s", ErrNotAnImage, detected.String())
	}
	return Image{Data: data, MIME: detected.String()}, nil
}
