// Package contract implements the Summary Contract (spec §4.7): schema
// validation, repair, and field normalization for the single summary
// object every request terminates in. Structural validation is delegated
// to google/jsonschema-go (pulled in by the teacher's toolchain); the
// field-level repair and normalization rules below are hand-rolled because
// they encode domain-specific string/array shaping the schema library has
// no opinion on.
package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/anatolykoptev/digestor/internal/model"
)

// Schema returns the JSON schema every summary must validate against.
func Schema() *jsonschema.Schema {
	str := &jsonschema.Schema{Type: "string"}
	strArray := &jsonschema.Schema{Type: "array", Items: str}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"summary_250":  {Type: "string", MaxLength: int64Ptr(250)},
			"summary_1000": {Type: "string", MaxLength: int64Ptr(1000)},
			"tldr":         {Type: "string"},
			"key_ideas":    {Type: "array", Items: str, MinItems: uint64Ptr(3), MaxItems: uint64Ptr(8)},
			"topic_tags":   {Type: "array", Items: str, MinItems: uint64Ptr(3), MaxItems: uint64Ptr(10)},
			"entities": {
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"people":        strArray,
					"organizations": strArray,
					"locations":     strArray,
				},
				Required: []string{"people", "organizations", "locations"},
			},
			"estimated_reading_time_min": {Type: "integer", Minimum: float64Ptr(1)},
			"key_stats": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"label":          {Type: "string"},
						"value":          {Type: "string"},
						"unit":           {Type: "string"},
						"source_excerpt": {Type: "string"},
					},
					Required: []string{"label", "value"},
				},
			},
			"answered_questions": strArray,
			"readability": {
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"method": {Type: "string"},
					"score":  {Type: "number"},
					"level":  {Type: "string"},
				},
				Required: []string{"method", "score", "level"},
			},
			"seo_keywords": {Type: "array", Items: str, MinItems: uint64Ptr(3), MaxItems: uint64Ptr(10)},
		},
		Required: []string{
			"summary_250", "summary_1000", "tldr", "key_ideas", "topic_tags",
			"entities", "estimated_reading_time_min", "readability", "seo_keywords",
		},
	}
}

func int64Ptr(v int64) *int64     { return &v }
func uint64Ptr(v uint64) *uint64  { return &v }
func float64Ptr(v float64) *float64 { return &v }

var resolved *jsonschema.Resolved

func resolvedSchema() (*jsonschema.Resolved, error) {
	if resolved != nil {
		return resolved, nil
	}
	r, err := Schema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("contract: resolve schema: %w", err)
	}
	resolved = r
	return resolved, nil
}

// ValidationError is one field-path/reason pair from a failed validation.
type ValidationError struct {
	Path   string
	Reason string
}

func (e ValidationError) String() string { return fmt.Sprintf("%s: %s", e.Path, e.Reason) }

var tagRe = regexp.MustCompile(`[^a-z0-9]+`)

// Repair applies the fixed repair steps (trim, retag, dedupe, truncate,
// fill defaults) once, before validation, per spec §4.7. Stringified-number
// coercion is done earlier, by ParseLenient.
func Repair(p model.SummaryPayload) model.SummaryPayload {
	p.Summary250 = truncateAtSentence(strings.TrimSpace(p.Summary250), 250)
	p.Summary1000 = truncateAtSentence(strings.TrimSpace(p.Summary1000), 1000)
	p.TLDR = strings.TrimSpace(p.TLDR)

	p.KeyIdeas = dedupeStrings(trimAll(p.KeyIdeas))
	p.TopicTags = dedupeStrings(canonicalizeTags(p.TopicTags))
	p.SEOKeywords = dedupeStrings(trimAll(p.SEOKeywords))
	p.AnsweredQuestions = dedupeStrings(trimAll(p.AnsweredQuestions))

	p.Entities.People = dedupeCaseInsensitive(trimAll(p.Entities.People))
	p.Entities.Organizations = dedupeCaseInsensitive(trimAll(p.Entities.Organizations))
	p.Entities.Locations = dedupeCaseInsensitive(trimAll(p.Entities.Locations))

	if p.KeyStats == nil {
		p.KeyStats = []model.KeyStat{}
	}
	if p.AnsweredQuestions == nil {
		p.AnsweredQuestions = []string{}
	}
	if p.EstimatedReadingTimeMin < 1 {
		p.EstimatedReadingTimeMin = 1
	}
	if p.Readability.Method == "" {
		p.Readability.Method = "flesch_kincaid"
	}
	return p
}

// Validate checks the contract's structural shape via the resolved JSON
// schema, then the domain rules the schema can't express (cross-field
// uniqueness, non-duplication between summaries, tag formatting).
func Validate(p model.SummaryPayload) []ValidationError {
	var errs []ValidationError

	r, err := resolvedSchema()
	if err == nil {
		if verr := r.Validate(toMap(p)); verr != nil {
			errs = append(errs, ValidationError{Path: "$", Reason: verr.Error()})
		}
	}

	if len(p.Summary250) > 250 {
		errs = append(errs, ValidationError{"summary_250", "exceeds 250 characters"})
	}
	if len(p.Summary1000) > 1000 {
		errs = append(errs, ValidationError{"summary_1000", "exceeds 1000 characters"})
	}
	if p.Summary1000 != "" && p.Summary250 != "" && strings.Contains(p.Summary1000, p.Summary250) {
		errs = append(errs, ValidationError{"summary_1000", "reuses summary_250 verbatim"})
	}
	if p.TLDR != "" && (p.TLDR == p.Summary250 || p.TLDR == p.Summary1000) {
		errs = append(errs, ValidationError{"tldr", "duplicates a summary field"})
	}

	if n := len(p.KeyIdeas); n < 3 || n > 8 {
		errs = append(errs, ValidationError{"key_ideas", fmt.Sprintf("must have 3-8 entries, got %d", n)})
	}
	for i, idea := range p.KeyIdeas {
		words := len(strings.Fields(idea))
		if words < 3 || words > 10 {
			errs = append(errs, ValidationError{fmt.Sprintf("key_ideas[%d]", i), "must be 3-10 words"})
		}
	}

	if n := len(p.TopicTags); n < 3 || n > 10 {
		errs = append(errs, ValidationError{"topic_tags", fmt.Sprintf("must have 3-10 entries, got %d", n)})
	}
	for i, tag := range p.TopicTags {
		if !strings.HasPrefix(tag, "#") || tag != strings.ToLower(tag) {
			errs = append(errs, ValidationError{fmt.Sprintf("topic_tags[%d]", i), "must be lowercase and start with #"})
		}
	}

	if n := len(p.SEOKeywords); n < 3 || n > 10 {
		errs = append(errs, ValidationError{"seo_keywords", fmt.Sprintf("must have 3-10 entries, got %d", n)})
	}

	if p.EstimatedReadingTimeMin < 1 {
		errs = append(errs, ValidationError{"estimated_reading_time_min", "must be >= 1"})
	}

	return errs
}

func toMap(p model.SummaryPayload) map[string]any {
	return map[string]any{
		"summary_250":                p.Summary250,
		"summary_1000":               p.Summary1000,
		"tldr":                       p.TLDR,
		"key_ideas":                  toAnySlice(p.KeyIdeas),
		"topic_tags":                 toAnySlice(p.TopicTags),
		"entities": map[string]any{
			"people":        toAnySlice(p.Entities.People),
			"organizations": toAnySlice(p.Entities.Organizations),
			"locations":     toAnySlice(p.Entities.Locations),
		},
		"estimated_reading_time_min": p.EstimatedReadingTimeMin,
		"answered_questions":         toAnySlice(p.AnsweredQuestions),
		"readability": map[string]any{
			"method": p.Readability.Method,
			"score":  p.Readability.Score,
			"level":  p.Readability.Level,
		},
		"seo_keywords": toAnySlice(p.SEOKeywords),
	}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupeCaseInsensitive(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

// canonicalizeTags strips existing hashes, lowercases, strips punctuation,
// and re-adds a single canonical leading '#'.
func canonicalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.TrimLeft(t, "#")
		t = tagRe.ReplaceAllString(t, "")
		if t == "" {
			continue
		}
		out = append(out, "#"+t)
	}
	return out
}

// truncateAtSentence caps s at maxLen characters without splitting a
// sentence or word; it backs off to the nearest '.', '!', or '?' at or
// before maxLen, falling back to the nearest preceding space.
func truncateAtSentence(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	window := s[:maxLen]
	cut := lastIndexAny(window, ".!?")
	if cut >= maxLen/2 {
		return window[:cut+1]
	}
	if sp := strings.LastIndex(window, " "); sp >= maxLen/2 {
		return window[:sp]
	}
	return window
}

func lastIndexAny(s, chars string) int {
	best := -1
	for _, c := range chars {
		if i := strings.LastIndexByte(s, byte(c)); i > best {
			best = i
		}
	}
	return best
}

// ParseLenient unmarshals raw LLM JSON output into a SummaryPayload,
// coercing a handful of fields the model frequently returns as strings
// instead of numbers (spec §4.7 repair step: "coerce stringified numbers").
func ParseLenient(raw []byte) (model.SummaryPayload, error) {
	var loose struct {
		model.SummaryPayload
		EstimatedReadingTimeMin json.RawMessage `json:"estimated_reading_time_min"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return model.SummaryPayload{}, err
	}
	p := loose.SummaryPayload

	if len(loose.EstimatedReadingTimeMin) > 0 {
		var n int
		if err := json.Unmarshal(loose.EstimatedReadingTimeMin, &n); err == nil {
			p.EstimatedReadingTimeMin = n
		} else {
			var s string
			if err := json.Unmarshal(loose.EstimatedReadingTimeMin, &s); err == nil {
				if f, ferr := coerceNumber(s); ferr == nil {
					p.EstimatedReadingTimeMin = int(f)
				}
			}
		}
	}
	return p, nil
}

// coerceNumber accepts stringified numbers from lenient LLM output.
func coerceNumber(v string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}
