package extractor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickBestTrackPrefersManualInPreferredLanguage(t *testing.T) {
	tracks := []captionTrack{
		{LanguageCode: "en", Kind: "asr", BaseURL: "auto-en"},
		{LanguageCode: "es", Kind: "", BaseURL: "manual-es"},
		{LanguageCode: "en", Kind: "", BaseURL: "manual-en"},
	}
	track, ok := pickBestTrack(tracks, []string{"en", "es"})
	require.True(t, ok)
	assert.Equal(t, "manual-en", track.BaseURL)
}

func TestPickBestTrackFallsBackToAutoGenerated(t *testing.T) {
	tracks := []captionTrack{
		{LanguageCode: "en", Kind: "asr", BaseURL: "auto-en"},
	}
	track, ok := pickBestTrack(tracks, []string{"en"})
	require.True(t, ok)
	assert.Equal(t, "auto-en", track.BaseURL)
}

func TestPickBestTrackFallsBackToAnyEnglish(t *testing.T) {
	tracks := []captionTrack{
		{LanguageCode: "en-US", Kind: "asr", BaseURL: "auto-en-us"},
		{LanguageCode: "fr", Kind: "", BaseURL: "manual-fr"},
	}
	track, ok := pickBestTrack(tracks, []string{"de"})
	require.True(t, ok)
	assert.Equal(t, "auto-en-us", track.BaseURL)
}

func TestPickBestTrackFallsBackToFirstAvailable(t *testing.T) {
	tracks := []captionTrack{{LanguageCode: "ja", Kind: "", BaseURL: "manual-ja"}}
	track, ok := pickBestTrack(tracks, []string{"de"})
	require.True(t, ok)
	assert.Equal(t, "manual-ja", track.BaseURL)
}

func TestPickBestTrackReturnsFalseWhenNoTracks(t *testing.T) {
	_, ok := pickBestTrack(nil, []string{"en"})
	assert.False(t, ok)
}

func TestClassifyPlayabilityReasonMapsKnownReasons(t *testing.T) {
	assert.Contains(t, classifyPlayabilityReason("This video is age-restricted").Error(), "age_restricted")
	assert.Contains(t, classifyPlayabilityReason("Not available in your country").Error(), "geo_blocked")
	assert.Contains(t, classifyPlayabilityReason("This video is private").Error(), "private_or_removed")
	assert.Contains(t, classifyPlayabilityReason("Join this channel to get access").Error(), "members_only")
	assert.Contains(t, classifyPlayabilityReason("Premiere starts in 2 hours").Error(), "scheduled_premiere")
	assert.Contains(t, classifyPlayabilityReason("captions disabled").Error(), "transcripts_disabled")
}

func TestClassifyDownloaderFailureMapsStderrSubstrings(t *testing.T) {
	assert.Contains(t, classifyDownloaderFailure("Sign in to confirm your age", assertErr).Error(), "age_restricted")
	assert.Contains(t, classifyDownloaderFailure("This video is not available in your country", assertErr).Error(), "geo_blocked")
	assert.Contains(t, classifyDownloaderFailure("ERROR: Private video. Sign in", assertErr).Error(), "private_or_removed")
	assert.Contains(t, classifyDownloaderFailure("members-only content", assertErr).Error(), "members_only")
	assert.Contains(t, classifyDownloaderFailure("HTTP Error 429: Too Many Requests", assertErr).Error(), "rate_limited")
	assert.Contains(t, classifyDownloaderFailure("connection reset", assertErr).Error(), "network_timeout")
}

var assertErr = os.ErrInvalid

func TestBuildMetadataHeaderFormatsAllFields(t *testing.T) {
	header := BuildMetadataHeader("My Video", "My Channel", 185, "1080p")
	assert.Equal(t, "My Video | My Channel | 3m05s | 1080p", header)
}

func TestBuildMetadataHeaderIncludesHoursWhenPresent(t *testing.T) {
	header := BuildMetadataHeader("Long Talk", "Conf Channel", 3723, "720p")
	assert.Contains(t, header, "1h02m03s")
}

func TestParseVTTFallbackStripsTimingAndDedupesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subs.vtt")
	content := "WEBVTT\n\n1\n00:00:01.000 --> 00:00:03.000\nHello there\n\n2\n00:00:03.000 --> 00:00:05.000\nHello there\n\n3\n00:00:05.000 --> 00:00:07.000\n<b>General</b> Kenobi\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	text, err := ParseVTTFallback(path)
	require.NoError(t, err)
	assert.Contains(t, text, "Hello there")
	assert.Contains(t, text, "General Kenobi")
	assert.Equal(t, 1, countOccurrences(text, "Hello there"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}

func TestEnforceStorageBudgetDeletesOldestFilesPastTrigger(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	require.NoError(t, os.WriteFile(old, make([]byte, 1000), 0o644))
	require.NoError(t, os.WriteFile(fresh, make([]byte, 1000), 0o644))

	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	err := EnforceStorageBudget(dir, 1500, 0.5, 24*time.Hour)
	require.NoError(t, err)

	_, errOld := os.Stat(old)
	assert.True(t, os.IsNotExist(errOld))
	_, errFresh := os.Stat(fresh)
	assert.NoError(t, errFresh)
}
