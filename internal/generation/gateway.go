package generation

import (
	"context"
	"encoding/base64"
	"errors"
)

// DefaultItemType is used when the client gives no item hint.
const DefaultItemType = "item, outfit, accessory, clothing, shoes, hat, glasses, mask, etc."

var (
	ErrRateLimited = errors.New("generation provider rate limited")
	ErrAuthFailed  = errors.New("generation provider rejected credentials")
	ErrBadRequest  = errors.New("generation provider rejected request")
	ErrUnavailable = errors.New("generation provider unavailable")
	ErrBadResponse = errors.New("unexpected generation response")
)

// Image is raw image bytes with their MIME type.
type Image struct {
	Data []byte
	MIME string
}

// DataURL encodes img as a base64 data URL.
func (img Image) DataURL() string {
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

type Input struct {
	Base         Image
	Overlay      Image
	ItemTypeHint string
}

type ResultKind int

const (
	ResultImage ResultKind = iota
	ResultPolicyBlock
	ResultTextOnly
)

func (k ResultKind) String() string {
	switch k {
	case ResultImage:
		return "image"
	case ResultPolicyBlock:
		return "policy_block"
	case ResultTextOnly:
		return "text_only"
	}
	return "unknown"
}

// Result is a completed gateway call. Transport failures are returned as
// errors instead.
type Result struct {
	Kind   ResultKind
	Image  Image
	Reason string
	Text   string
}

// Gateway composes the overlay item onto the person in the base image.
type Gateway interface {
	Generate(ctx context.Context, in Input) (*Result, error)
}
