// SPDX-License-Identifier: MIT

// Package media knows what media files look like: video vs subtitle
// classification, subtitle-to-parent pairing, episode numbering parsed out
// of paths, and the filename-derived identity that survives quality-upgrade
// renames.
package media

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Types a cached file can be classified as.
const (
	TypeEpisode = "episode"
	TypeMovie   = "movie"
)

// Video extensions tried when deriving a subtitle's parent, in order.
var videoExts = []string{".mkv", ".mp4", ".avi", ".m4v", ".wmv", ".flv", ".mov", ".ts"}

var subtitleExts = map[string]bool{
	".srt": true,
	".sub": true,
	".idx": true,
	".ass": true,
	".ssa": true,
	".smi": true,
	".vtt": true,
}

// langTagRe matches an optional language tag before the subtitle extension
// ("Heat.en.srt", "Heat.pt-br.srt").
var langTagRe = regexp.MustCompile(`(?i)\.[a-z]{2,3}(-[a-z]{2,4})?$`)

// IsSubtitle reports whether the path has a subtitle extension.
func IsSubtitle(p string) bool {
	return subtitleExts[strings.ToLower(path.Ext(p))]
}

// IsVideo reports whether the path has a known video extension.
func IsVideo(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, v := range videoExts {
		if ext == v {
			return true
		}
	}
	return false
}

// ParentCandidates returns the possible parent-video paths for a subtitle:
// the subtitle extension is stripped, then an optional language tag, then
// every known video extension is tried in the same directory. Both the
// tagged and untagged stems produce candidates, tagged first.
func ParentCandidates(sub string) []string {
	if !IsSubtitle(sub) {
		return nil
	}
	stem := strings.TrimSuffix(sub, path.Ext(sub))

	stems := []string{stem}
	if tag := langTagRe.FindString(stem); tag != "" {
		stems = append(stems, strings.TrimSuffix(stem, tag))
	}

	out := make([]string, 0, len(stems)*len(videoExts))
	for _, s := range stems {
		for _, ext := range videoExts {
			out = append(out, s+ext)
		}
	}
	return out
}

// ParentVideo resolves a subtitle's parent video using the supplied
// existence check (disk stat, tracker key set, whatever the caller owns).
func ParentVideo(sub string, exists func(string) bool) (string, bool) {
	for _, candidate := range ParentCandidates(sub) {
		if exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// SidecarsFor reports whether name is a subtitle belonging to the video
// basename videoBase ("Heat.mkv" claims "Heat.srt" and "Heat.en.srt").
func SidecarsFor(videoBase, name string) bool {
	if !IsSubtitle(name) {
		return false
	}
	stem := strings.TrimSuffix(videoBase, path.Ext(videoBase))
	return strings.HasPrefix(name, stem+".")
}

var (
	bracketRe      = regexp.MustCompile(`\[[^\]]*\]`)
	trailingDashRe = regexp.MustCompile(`[\s._-]+$`)
	spaceRunRe     = regexp.MustCompile(`\s{2,}`)
	yearSuffixRe   = regexp.MustCompile(`[\s.(_-]*(19|20)\d{2}\)?$`)
)

// Identity derives the rename-stable identity of a file: the basename with
// the extension dropped, bracketed quality/codec tags removed, and any
// trailing separator run trimmed. Unicode is NFC-normalized so composed and
// decomposed spellings of the same title compare equal. Case-insensitive.
func Identity(p string) string {
	base := path.Base(p)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = norm.NFC.String(base)
	base = bracketRe.ReplaceAllString(base, "")
	base = spaceRunRe.ReplaceAllString(base, " ")
	base = trailingDashRe.ReplaceAllString(base, "")
	return strings.ToLower(strings.TrimSpace(base))
}

// MovieIdentity is Identity with a trailing release year removed, matching
// how movie files restate their title across editions. Titles that are
// nothing but a year ("2012") keep it.
func MovieIdentity(p string) string {
	id := Identity(p)
	stripped := strings.TrimSpace(yearSuffixRe.ReplaceAllString(id, ""))
	if stripped == "" {
		return id
	}
	return stripped
}

// EpisodeInfo locates an episode within its show. IsCurrentOnDeck is only
// meaningful on OnDeck records; persisted cache entries leave it false.
type EpisodeInfo struct {
	Show            string `json:"show"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	IsCurrentOnDeck bool   `json:"is_current_ondeck,omitempty"`
}

// SameEpisode compares position only, ignoring the ondeck marker.
func (e EpisodeInfo) SameEpisode(o EpisodeInfo) bool {
	return e.Show == o.Show && e.Season == o.Season && e.Episode == o.Episode
}

var (
	sxxeyyRe    = regexp.MustCompile(`(?i)\bS(\d{1,2})[\s._-]?E(\d{1,3})\b`)
	crossRe     = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	seasonDirRe = regexp.MustCompile(`(?i)^(?:season|series)[\s._-]*(\d+)$`)
	specialsRe  = regexp.MustCompile(`(?i)^specials$`)
)

// IsTVPath reports whether the directory layout marks the path as a TV
// episode (a Season/Series/Specials folder anywhere above the file).
func IsTVPath(p string) bool {
	for _, part := range strings.Split(path.Dir(p), "/") {
		if seasonDirRe.MatchString(part) || specialsRe.MatchString(part) {
			return true
		}
	}
	return false
}

// ParseEpisodePath extracts show/season/episode from a path. The filename
// is authoritative for numbering (S01E02, 1x02); a Season/Series/Specials
// folder supplies the season when the filename does not, and the folder
// above it names the show. Returns false when no numbering is found.
func ParseEpisodePath(p string) (EpisodeInfo, bool) {
	info := EpisodeInfo{Season: -1, Episode: -1}

	base := path.Base(p)
	if m := sxxeyyRe.FindStringSubmatch(base); m != nil {
		info.Season = atoi(m[1])
		info.Episode = atoi(m[2])
	} else if m := crossRe.FindStringSubmatch(base); m != nil {
		info.Season = atoi(m[1])
		info.Episode = atoi(m[2])
	}

	parts := strings.Split(strings.Trim(path.Dir(p), "/"), "/")
	seasonIdx := -1
	for i, part := range parts {
		if m := seasonDirRe.FindStringSubmatch(part); m != nil {
			seasonIdx = i
			if info.Season < 0 {
				info.Season = atoi(m[1])
			}
		} else if specialsRe.MatchString(part) {
			seasonIdx = i
			if info.Season < 0 {
				info.Season = 0
			}
		}
	}

	switch {
	case seasonIdx > 0:
		info.Show = parts[seasonIdx-1]
	case len(parts) > 0:
		info.Show = parts[len(parts)-1]
	}

	if info.Episode < 0 {
		return EpisodeInfo{}, false
	}
	if info.Season < 0 {
		info.Season = 1
	}
	return info, true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
