package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

// cleanPatterns strip release-name noise before the remaining text is
// treated as a title: quality tags, codecs, audio formats, source tags,
// episode markers, release groups.
var cleanPatterns = compileAll([]string{
	`\b\d{3,4}p\b`,
	`\b[48]k\b`,
	`\b(?:UHD|HD|FHD)\b`,
	`\b10[- ]?bit\b`,
	`\bx[.-]?26[45]\b`,
	`\bxvid\b`,
	`\bhevc\b`,
	`\bh[.-]?26[45]\b`,
	`\bavc\b`,
	`\bmpeg[-._ ]?\d?\b`,
	`\baac(?:2\.0)?\b`,
	`\bac3\b`,
	`\beac3\b`,
	`\bdts(?:-hd)?\b`,
	`\bdd[.-]?5[.-]1\b`,
	`\b5[.-]1\b`,
	`\b7[.-]1\b`,
	`\batmos\b`,
	`\bflac\b`,
	`\bblu[- ]?ray\b`,
	`\b(?:bd|br|dvd)[- ]?rip\b`,
	`\bdvd(?:scr)?\b`,
	`\bweb[- ]?(?:dl|rip)\b`,
	`\bhd[- ]?rip\b`,
	`\bhdr(?:10)?\+?\b`,
	`\bdolby\b`,
	`\bremux\b`,
	`\bproper\b`,
	`\brepack\b`,
	`\bunrated\b`,
	`\bextended\b`,
	`\bdirectors?[. ]?cut\b`,
	`\b[Ss]\d{1,2}[Ee]\d{1,2}\b`,
	`\b\d{1,2}x\d{1,2}\b`,
	`\b[Ss]eason[. ]?\d+\b`,
	`\b[Ss]\d{1,2}\b`,
	`\[[^\]]+\]`,
	`\{[^}]+\}`,
	`\([^)]*\)`,
	`\brus\b`,
	`\beng\b`,
	`\bsubs?\b`,
	`\bsdr\b`,
	`\.(?:mp4|mkv|avi|mov|wmv|flv|webm|m4v|mpg|mpeg|iso)$`,
})

var yearPatterns = compileAll([]string{
	`\((\d{4})\)`,
	`[. ](\d{4})[. ]`,
	`[. ](\d{4})(?:[. ]|$)`,
	`\.(\d{4})\.`,
	`(?:^|\s)(\d{4})(?:\s|$)`,
})

var episodePatterns = compileAll([]string{
	`[Ss](\d{1,2})[Ee](\d{1,2})`,
	`(\d{1,2})x(\d{1,2})`,
	`[Ss]eason[. ]?(\d{1,2}).*?[Ee]pisode[. ]?(\d{1,2})`,
})

var multiSpace = regexp.MustCompile(`\s+`)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

/*
FileMatcher turns a file path into a tentative title match and fans out the
rest of the pipeline: a METADATA_MATCHER child carrying the parse result and
an FFPROBE child for the technical scan.
*/
type FileMatcher struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFileMatcher(db *gorm.DB, baseLog *logger.Logger) *FileMatcher {
	return &FileMatcher{db: db, log: baseLog.With("worker", "FileMatcher")}
}

func (w *FileMatcher) Type() domain.JobType { return domain.JobTypeFileMatcher }

func (w *FileMatcher) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.FileMatcherParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode file matcher params: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	matched := MatchFilePath(params.Path, params.MediaType)
	w.log.Info("Matched file path",
		"path", params.Path,
		"title", matched.Title,
		"year", matched.Year,
		"season", matched.SeasonNumber,
		"episode", matched.EpisodeNumber,
	)

	return []jobs.ChildJobSpec{
		{
			JobType: domain.JobTypeMetadataMatcher,
			Params: dto.MetadataMatcherParams{
				MatchedData: matched,
				FileID:      params.FileID,
			},
		},
		{
			JobType: domain.JobTypeFFProbe,
			Params: dto.FFProbeParams{
				FileID: params.FileID,
				Path:   params.Path,
			},
		},
	}, nil
}

var (
	seasonDirPattern    = regexp.MustCompile(`(?i)^(?:season[. ]?\d+|s\d+)$`)
	seasonInDirPattern  = regexp.MustCompile(`(?i)season[. ]?(\d{1,2})`)
	bareSeasonPattern   = regexp.MustCompile(`^[Ss](\d{1,2})$`)
	trailingEpisode     = regexp.MustCompile(`[Ee]?(\d{1,2})(?:\.\w+)?$`)
	parenthesizedYear   = regexp.MustCompile(`\(\d{4}\)`)
	mediaLibraryFolders = map[string]struct{}{"tv": {}, "shows": {}, "series": {}, "television": {}}
)

// MatchFilePath extracts title, year and (for TV) season/episode numbers
// from a media file path.
//
// TV shows take the title from the grandparent directory when it is not a
// generic library folder, then the parent unless it is a season folder, then
// the filename. Movies prefer a parent directory carrying a "(YYYY)" year, then the
// entry under a movies/films folder, then the filename.
func MatchFilePath(path string, mediaType domain.MediaType) dto.MatchedData {
	parts := strings.Split(filepath.ToSlash(path), "/")
	filename := parts[len(parts)-1]
	parentDir := ""
	grandparentDir := ""
	if len(parts) > 1 {
		parentDir = parts[len(parts)-2]
	}
	if len(parts) > 2 {
		grandparentDir = parts[len(parts)-3]
	}

	matched := dto.MatchedData{MediaType: mediaType}

	for _, part := range []string{parentDir, grandparentDir, filename} {
		if year, ok := extractYear(part); ok {
			matched.Year = &year
			break
		}
	}

	var title string
	if mediaType == domain.MediaTypeTV {
		if season, episode, ok := extractSeasonEpisode(filename); ok {
			matched.SeasonNumber = &season
			matched.EpisodeNumber = &episode
		} else if parentDir != "" {
			// Season folders carry the season; the filename then only needs
			// an episode number.
			var seasonMatch []string
			if m := seasonInDirPattern.FindStringSubmatch(parentDir); m != nil {
				seasonMatch = m
			} else if m := bareSeasonPattern.FindStringSubmatch(parentDir); m != nil {
				seasonMatch = m
			}
			if seasonMatch != nil {
				if season, err := strconv.Atoi(seasonMatch[1]); err == nil {
					matched.SeasonNumber = &season
					if m := trailingEpisode.FindStringSubmatch(strings.TrimSuffix(filename, filepath.Ext(filename))); m != nil {
						if episode, err := strconv.Atoi(m[1]); err == nil {
							matched.EpisodeNumber = &episode
						}
					}
				}
			}
		}

		switch {
		case grandparentDir != "" && !isLibraryFolder(grandparentDir):
			title = grandparentDir
		case parentDir != "" && !seasonDirPattern.MatchString(parentDir):
			title = parentDir
		default:
			title = filename
		}
	} else {
		switch {
		case parenthesizedYear.MatchString(parentDir):
			title = parentDir
		default:
			title = filename
			for i, part := range parts[:len(parts)-1] {
				lower := strings.ToLower(part)
				if (lower == "movies" || lower == "films") && i+1 < len(parts) {
					title = parts[i+1]
					break
				}
			}
		}
	}

	matched.Title = cleanTitle(title, matched.Year)
	return matched
}

func isLibraryFolder(dir string) bool {
	_, ok := mediaLibraryFolders[strings.ToLower(dir)]
	return ok
}

func extractYear(text string) (int, bool) {
	current := time.Now().Year()
	for _, pattern := range yearPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if year >= 1800 && year <= current {
			return year, true
		}
	}
	return 0, false
}

func extractSeasonEpisode(text string) (int, int, bool) {
	for _, pattern := range episodePatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		season, err1 := strconv.Atoi(m[1])
		episode, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		return season, episode, true
	}
	return 0, 0, false
}

func cleanTitle(name string, year *int) string {
	cleaned := strings.ToLower(name)

	if year != nil {
		cleaned = strings.ReplaceAll(cleaned, strconv.Itoa(*year), " ")
	}
	for _, pattern := range cleanPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, " ")
	}

	cleaned = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(cleaned)
	cleaned = multiSpace.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	return titleCase(cleaned)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
