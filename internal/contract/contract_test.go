package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anatolykoptev/digestor/internal/model"
)

func validPayload() model.SummaryPayload {
	return model.SummaryPayload{
		Summary250:  "A short summary.",
		Summary1000: "A much longer summary with more detail than the short one.",
		TLDR:        "The gist of it in one line.",
		KeyIdeas:    []string{"first idea here", "second idea here", "third idea here"},
		TopicTags:   []string{"#go", "#backend", "#concurrency"},
		Entities: model.Entities{
			People:        []string{"Ada Lovelace"},
			Organizations: []string{"Acme Corp"},
			Locations:     []string{"London"},
		},
		EstimatedReadingTimeMin: 4,
		KeyStats:                []model.KeyStat{},
		AnsweredQuestions:       []string{},
		Readability:             model.Readability{Method: "flesch_kincaid", Score: 60, Level: "standard"},
		SEOKeywords:             []string{"go", "backend", "concurrency"},
	}
}

func TestValidateAcceptsValidPayload(t *testing.T) {
	errs := Validate(validPayload())
	assert.Empty(t, errs)
}

func TestValidateRejectsTooFewKeyIdeas(t *testing.T) {
	p := validPayload()
	p.KeyIdeas = []string{"only one idea here"}
	errs := Validate(p)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsTagWithoutHash(t *testing.T) {
	p := validPayload()
	p.TopicTags = []string{"go", "#backend", "#concurrency"}
	errs := Validate(p)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsSummary1000ReusingSummary250(t *testing.T) {
	p := validPayload()
	p.Summary1000 = p.Summary250
	errs := Validate(p)
	found := false
	for _, e := range errs {
		if e.Path == "summary_1000" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRepairCanonicalizesTags(t *testing.T) {
	p := validPayload()
	p.TopicTags = []string{"##Go!", "Backend-Dev", "#go"}
	p = Repair(p)
	assert.Contains(t, p.TopicTags, "#go")
	assert.Contains(t, p.TopicTags, "#backenddev")
}

func TestRepairDedupesKeyIdeas(t *testing.T) {
	p := validPayload()
	p.KeyIdeas = []string{"same idea twice", "same idea twice", "different idea entirely"}
	p = Repair(p)
	assert.Len(t, p.KeyIdeas, 2)
}

func TestRepairTruncatesAtSentenceBoundary(t *testing.T) {
	p := validPayload()
	p.Summary250 = "First sentence here is short. Second sentence that pushes this string well past the two hundred fifty character boundary so that truncation logic actually gets exercised by this particular unit test case, which needs enough padding text to be sure."
	p = Repair(p)
	assert.LessOrEqual(t, len(p.Summary250), 250)
}

func TestRepairFillsDefaultsForMissingFields(t *testing.T) {
	p := model.SummaryPayload{}
	p = Repair(p)
	assert.NotNil(t, p.KeyStats)
	assert.NotNil(t, p.AnsweredQuestions)
	assert.Equal(t, 1, p.EstimatedReadingTimeMin)
}

func TestParseLenientCoercesStringifiedReadingTime(t *testing.T) {
	raw := []byte(`{"summary_250":"x","estimated_reading_time_min":"7"}`)
	p, err := ParseLenient(raw)
	assert.NoError(t, err)
	assert.Equal(t, 7, p.EstimatedReadingTimeMin)
}
