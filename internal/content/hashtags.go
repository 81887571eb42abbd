package content

import (
	"regexp"
	"sort"
	"strings"
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// ExtractHashtags returns the lowercase, de-duplicated hashtags found in a
// caption, sorted for stable storage.
func ExtractHashtags(caption string) []string {
	var tags []string
	for _, m := range hashtagPattern.FindAllStringSubmatch(caption, -1) {
		tags = append(tags, m[1])
	}
	return MergeHashtags(tags)
}

// MergeHashtags folds any number of tag lists into one sorted set. Leading
// '#' characters and surrounding whitespace are dropped.
func MergeHashtags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.ToLower(strings.TrimLeft(strings.TrimSpace(tag), "#"))
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// CleanHashtag normalizes a hashtag name given by a user or a trending
// endpoint: no '#', no surrounding spaces, lowercase.
func CleanHashtag(name string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
}
