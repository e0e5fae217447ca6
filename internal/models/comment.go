// Package models defines the shared value types for commentarr entities.
package models

import (
	"fmt"
	"time"
)

// CommentSource identifies the kind of upstream a comment was fetched from.
type CommentSource string

const (
	// SourceNicoLive is a Niconico-style live comment server.
	SourceNicoLive CommentSource = "nicolive"
	// SourceHashtag is a social-network hashtag stream/search API.
	SourceHashtag CommentSource = "hashtag"
	// SourceBoard is an anonymous-board API.
	SourceBoard CommentSource = "board"
)

// AllSources returns every known comment source in a stable order.
func AllSources() []CommentSource {
	return []CommentSource{SourceNicoLive, SourceHashtag, SourceBoard}
}

// ParseCommentSource converts a string into a CommentSource.
func ParseCommentSource(s string) (CommentSource, error) {
	switch CommentSource(s) {
	case SourceNicoLive, SourceHashtag, SourceBoard:
		return CommentSource(s), nil
	default:
		return "", fmt.Errorf("unknown comment source %q", s)
	}
}

// String returns the string representation of the source.
func (s CommentSource) String() string {
	return string(s)
}

// Comment is a single item of live commentary. A provider produces it once
// and the core passes it through unchanged.
type Comment struct {
	Text   string        `json:"text"`
	Author string        `json:"author,omitempty"`
	Time   time.Time     `json:"time"`
	Source CommentSource `json:"source"`
}
