package main

import "strings"

// MentionFilter drops unwanted posts from the mention timeline. The zero
// value keeps everything.
type MentionFilter struct {
	filterCashtags bool
	cashtagAllow   map[string]struct{}
	filterHashtags bool
	maxEntities    int
}

// NewMentionFilter builds a filter. Whitelisted cashtags match case
// insensitively and may carry a leading '$'.
func NewMentionFilter(filterCashtags bool, whitelistedCashtags []string, filterHashtags bool, maxEntities int) MentionFilter {
	f := MentionFilter{
		filterCashtags: filterCashtags,
		filterHashtags: filterHashtags,
		maxEntities:    maxEntities,
	}
	for _, tag := range whitelistedCashtags {
		tag = normalizeCashtag(tag)
		if tag == "" {
			continue
		}
		if f.cashtagAllow == nil {
			f.cashtagAllow = make(map[string]struct{})
		}
		f.cashtagAllow[tag] = struct{}{}
	}
	return f
}

func normalizeCashtag(tag string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(tag), "$"))
}

// reject reports why post is filtered, or "" when it is kept.
func (f MentionFilter) reject(post Post) string {
	if f.maxEntities > 0 {
		if n := len(post.MentionUsernames) + len(post.Hashtags) + len(post.Cashtags); n > f.maxEntities {
			return "too_many_entities"
		}
	}
	if f.filterHashtags && len(post.Hashtags) > 0 {
		return "hashtag"
	}
	if f.filterCashtags {
		for _, tag := range post.Cashtags {
			if _, ok := f.cashtagAllow[normalizeCashtag(tag)]; !ok {
				return "cashtag"
			}
		}
	}
	return ""
}

func (f MentionFilter) enabled() bool {
	return f.filterCashtags || f.filterHashtags || f.maxEntities > 0
}

// Apply returns timeline without the rejected posts.
func (f MentionFilter) Apply(timeline Timeline) Timeline {
	if !f.enabled() || len(timeline.Posts) == 0 {
		return timeline
	}
	kept := make([]Post, 0, len(timeline.Posts))
	for _, post := range timeline.Posts {
		if reason := f.reject(post); reason != "" {
			logDebug("mentions.filtered", "post_id", post.ID, "reason", reason)
			continue
		}
		kept = append(kept, post)
	}
	if dropped := len(timeline.Posts) - len(kept); dropped > 0 {
		logInfo("mentions.filter_applied", "kept", len(kept), "dropped", dropped)
	}
	timeline.Posts = kept
	return timeline
}
