package media

import "context"

// StreamType discriminates how a resolved stream is delivered to the player.
type StreamType string

const (
	// StreamTypeSingle is a muxed stream played through one element.
	StreamTypeSingle StreamType = "single"
	// StreamTypeDual is separate video-only and audio-only streams that
	// must be kept mutually synchronized on the client.
	StreamTypeDual StreamType = "dual"
)

// Item is one playable entry in a room's queue.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	OriginalURL string     `json:"original_url"`
	StreamURL   string     `json:"stream_url,omitempty"`
	VideoURL    string     `json:"video_url,omitempty"`
	AudioURL    string     `json:"audio_url,omitempty"`
	StreamType  StreamType `json:"stream_type"`
	Quality     string     `json:"quality,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	IsLive      bool       `json:"is_live"`
	Pinned      bool       `json:"pinned"`
	AddedBy     string     `json:"added_by,omitempty"`

	AvailableQualities []string `json:"available_qualities,omitempty"`
	AudioOptions       []string `json:"audio_options,omitempty"`
}

// Dual reports whether the item needs the dual-stream sync sub-engine.
func (i *Item) Dual() bool {
	return i != nil && i.StreamType == StreamTypeDual
}

// Resolution is the result of resolving a source identifier to playable URLs.
type Resolution struct {
	Title              string
	StreamURL          string
	VideoURL           string
	AudioURL           string
	StreamType         StreamType
	Quality            string
	Thumbnail          string
	IsLive             bool
	AvailableQualities []string
	AudioOptions       []string
}

// Resolver turns a source identifier (page URL, content id) into playable
// stream URLs. Implementations live outside this repo; the sync engine only
// consumes the interface.
type Resolver interface {
	Resolve(ctx context.Context, source string) (*Resolution, error)
}

// QualityNotifier is told about quality switches so an upstream prefetcher
// can warm the new rendition. Purely a hint, no correctness dependency.
type QualityNotifier interface {
	QualityChanged(ctx context.Context, item *Item, quality string)
}
