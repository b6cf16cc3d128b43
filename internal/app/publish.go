package app

import (
	"context"
	"strings"
)

// PublishRequest is what the channel needs to post an approved confession.
type PublishRequest struct {
	ConfessionID int64
	Text         string
	// AuthorLabel is empty for anonymous confessions.
	AuthorLabel string
}

// Publisher posts approved confessions to the public channel and returns
// the channel message id.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (int64, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req PublishRequest) (int64, error)

func (f PublisherFunc) Publish(ctx context.Context, req PublishRequest) (int64, error) {
	return f(ctx, req)
}

func authorLabel(displayName, username string) string {
	if username = strings.TrimSpace(username); username != "" {
		return "@" + username
	}
	return strings.TrimSpace(displayName)
}
