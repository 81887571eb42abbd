package content

import "fmt"

// Mapping lists, for each canonical field, the gjson paths to try against a
// raw provider payload. The first path that yields a value wins.
type Mapping struct {
	ID       []string `yaml:"id"`
	Author   []string `yaml:"author"`
	Caption  []string `yaml:"caption"`
	Hashtags []string `yaml:"hashtags"`
	Likes    []string `yaml:"likes"`
	Comments []string `yaml:"comments"`
	Shares   []string `yaml:"shares"`
	Views    []string `yaml:"views"`
	PostedAt []string `yaml:"posted_at"`
	Language []string `yaml:"language"`
	MediaURL []string `yaml:"media_url"`
}

// Merge returns m with every non-empty field of override applied on top.
func (m Mapping) Merge(override Mapping) Mapping {
	pick := func(base, o []string) []string {
		if len(o) > 0 {
			return o
		}
		return base
	}
	return Mapping{
		ID:       pick(m.ID, override.ID),
		Author:   pick(m.Author, override.Author),
		Caption:  pick(m.Caption, override.Caption),
		Hashtags: pick(m.Hashtags, override.Hashtags),
		Likes:    pick(m.Likes, override.Likes),
		Comments: pick(m.Comments, override.Comments),
		Shares:   pick(m.Shares, override.Shares),
		Views:    pick(m.Views, override.Views),
		PostedAt: pick(m.PostedAt, override.PostedAt),
		Language: pick(m.Language, override.Language),
		MediaURL: pick(m.MediaURL, override.MediaURL),
	}
}

var presets = map[string]Mapping{
	// Research API video objects, either flat or wrapped in "video".
	"tiktok": {
		ID:       []string{"video.id", "id"},
		Author:   []string{"video.author.username", "video.author.display_name", "username", "author.username"},
		Caption:  []string{"video.title", "video.description", "video_description", "title", "description"},
		Hashtags: []string{"video.hashtag_names", "hashtag_names"},
		Likes:    []string{"video.statistics.like_count", "statistics.like_count", "like_count"},
		Comments: []string{"video.statistics.comment_count", "statistics.comment_count", "comment_count"},
		Shares:   []string{"video.statistics.share_count", "statistics.share_count", "share_count"},
		Views:    []string{"video.statistics.view_count", "statistics.view_count", "view_count", "play_count"},
		PostedAt: []string{"video.create_time", "create_time"},
		Language: []string{"video.language", "language"},
		MediaURL: []string{"video.cover_image_url", "video.video_url", "cover_image_url", "video_url", "share_url"},
	},
	// Graph API hashtag media.
	"instagram": {
		ID:       []string{"id"},
		Author:   []string{"username", "owner.username"},
		Caption:  []string{"caption"},
		Likes:    []string{"like_count"},
		Comments: []string{"comments_count"},
		Views:    []string{"play_count", "video_views"},
		PostedAt: []string{"timestamp"},
		MediaURL: []string{"media_url", "thumbnail_url", "permalink"},
	},
	// Items produced by the RSS/Atom feed source.
	"feed": {
		ID:       []string{"id"},
		Author:   []string{"author"},
		Caption:  []string{"caption"},
		Hashtags: []string{"hashtags"},
		PostedAt: []string{"posted_at"},
		Language: []string{"language"},
		MediaURL: []string{"media_url"},
	},
}

// Preset returns the built-in mapping for a payload format.
func Preset(format string) (Mapping, error) {
	m, ok := presets[format]
	if !ok {
		return Mapping{}, fmt.Errorf("unknown payload format %q", format)
	}
	return m, nil
}
