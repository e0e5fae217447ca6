package models

// Channel is a logical tuning target. Its identity is the Name; the
// source-specific tag sets are read-only and owned by configuration.
type Channel struct {
	// Name is the logical target string used in lookups (e.g. "gr-nhk").
	Name string `yaml:"name" json:"name"`
	// DisplayName is a human-readable label for the channel.
	DisplayName string `yaml:"display_name" json:"display_name,omitempty"`
	// JikkyoID is the Niconico-style live comment community for this channel.
	JikkyoID string `yaml:"jikkyo_id" json:"jikkyo_id,omitempty"`
	// HashtagKeywords are the hashtags/keywords tracked on the social stream.
	HashtagKeywords []string `yaml:"hashtag_keywords" json:"hashtag_keywords,omitempty"`
	// BoardURL is the anonymous-board thread-list endpoint for this channel.
	BoardURL string `yaml:"board_url" json:"board_url,omitempty"`
}

// SupportsSource reports whether the channel carries the configuration the
// given source needs. A source without its configuration is silently skipped
// by the multiplexer, never treated as an error.
func (c Channel) SupportsSource(source CommentSource) bool {
	switch source {
	case SourceNicoLive:
		return c.JikkyoID != ""
	case SourceHashtag:
		return len(c.HashtagKeywords) > 0
	case SourceBoard:
		return c.BoardURL != ""
	default:
		return false
	}
}
