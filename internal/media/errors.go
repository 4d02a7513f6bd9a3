package media

import (
	"errors"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/storage"
)

// Resolution failure kinds. Every error returned by the resolver wraps exactly
// one of these.
var (
	ErrMalformedInput     = errors.New("malformed media input")
	ErrUnreachableSource  = errors.New("unreachable media source")
	ErrPayloadTooLarge    = errors.New("media payload too large")
	ErrObjectNotFound     = errors.New("media object not found")
	ErrStorageUnavailable = errors.New("media storage unavailable")
)

func storageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
