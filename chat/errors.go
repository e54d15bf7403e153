package chat

import (
	"errors"
	"fmt"

	"github.com/karthikraju391/go-nats-dm-relay/store"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid request")

	ErrEmptyMessage = fmt.Errorf("%w: message needs text, an image or a video", ErrValidation)
)

// translate maps store sentinels onto the chat taxonomy, keeping the detail.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if store.IsNotFound(err) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
