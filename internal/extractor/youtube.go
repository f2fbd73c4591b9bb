package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/httpx"
	"github.com/anatolykoptev/digestor/internal/model"
)

const (
	ytInnertubeURL   = "https://www.youtube.com/youtubei/v1/player"
	ytAndroidVersion = "20.10.38"
	ytAndroidUA      = "com.google.android.youtube/" + ytAndroidVersion + " (Linux; U; Android 11) gzip"
)

// YouTubeExtractor performs the transcript-API-then-download cascade
// (spec §4.4 YouTube URL flow), grounded on the teacher's Innertube
// ANDROID-client transcript path, generalized with the spec's video
// download + VTT fallback + storage budget steps the teacher's bot-summary
// use case never needed.
type YouTubeExtractor struct {
	cfg config.Config
	hc  *http.Client
}

func NewYouTubeExtractor(cfg config.Config) *YouTubeExtractor {
	return &YouTubeExtractor{cfg: cfg, hc: httpx.Default()}
}

type innertubeReq struct {
	VideoID        string       `json:"videoId"`
	Context        innertubeCtx `json:"context"`
	RacyCheckOk    bool         `json:"racyCheckOk"`
	ContentCheckOk bool         `json:"contentCheckOk"`
}

type innertubeCtx struct {
	Client innertubeClient `json:"client"`
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion      string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	Hl                 string `json:"hl,omitempty"`
	Gl                 string `json:"gl,omitempty"`
}

type innertubePlayerResp struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails *struct {
		Title      string `json:"title"`
		Author     string `json:"author"`
		LengthSecs string `json:"lengthSeconds"`
	} `json:"videoDetails"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" = auto-generated
}

// fetchPlayerResponse calls the ANDROID Innertube /player endpoint, with up
// to 2 retries on transient errors and a 1s backoff, per spec §4.4 step 1.
func (y *YouTubeExtractor) fetchPlayerResponse(ctx context.Context, videoID string) (innertubePlayerResp, error) {
	body, _ := json.Marshal(innertubeReq{
		VideoID: videoID,
		Context: innertubeCtx{Client: innertubeClient{
			ClientName: "ANDROID", ClientVersion: ytAndroidVersion, AndroidSdkVersion: 30, Hl: "en", Gl: "US",
		}},
		RacyCheckOk: true, ContentCheckOk: true,
	})

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return innertubePlayerResp{}, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ytInnertubeURL+"?prettyPrint=false", bytes.NewReader(body))
		if err != nil {
			return innertubePlayerResp{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", ytAndroidUA)
		req.Header.Set("X-Youtube-Client-Name", "3")
		req.Header.Set("X-Youtube-Client-Version", ytAndroidVersion)

		resp, err := y.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			lastErr = fmt.Errorf("innertube: status %d", resp.StatusCode)
			continue
		}

		var parsed innertubePlayerResp
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return innertubePlayerResp{}, fmt.Errorf("innertube: decode: %w", err)
		}
		return parsed, nil
	}
	return innertubePlayerResp{}, lastErr
}

// pickBestTrack prefers a manual track in a configured language, then an
// auto-generated track in a configured language, then any English track.
func pickBestTrack(tracks []captionTrack, langs []string) (captionTrack, bool) {
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang && t.Kind != "asr" {
				return t, true
			}
		}
	}
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang {
				return t, true
			}
		}
	}
	for _, t := range tracks {
		if strings.HasPrefix(t.LanguageCode, "en") {
			return t, true
		}
	}
	if len(tracks) > 0 {
		return tracks[0], true
	}
	return captionTrack{}, false
}

type timedTextXML struct {
	Lines []struct {
		Text string `xml:",chardata"`
	} `xml:"text"`
}

func (y *YouTubeExtractor) fetchTimedText(ctx context.Context, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := y.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", err
	}

	var tt timedTextXML
	if err := xml.Unmarshal(body, &tt); err != nil {
		return "", fmt.Errorf("parse timedtext xml: %w", err)
	}
	var sb strings.Builder
	for _, line := range tt.Lines {
		if text := strings.TrimSpace(line.Text); text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(text)
		}
	}
	return sb.String(), nil
}

// FetchTranscript is step 1 of the YouTube cascade: transcript API via
// Innertube, preferring manual captions over auto-generated.
func (y *YouTubeExtractor) FetchTranscript(ctx context.Context, videoID string, langs []string) (text string, source model.TranscriptSource, autoGenerated bool, err error) {
	playerResp, err := y.fetchPlayerResponse(ctx, videoID)
	if err != nil {
		return "", model.TranscriptNone, false, err
	}
	if playerResp.Captions == nil {
		reason := ""
		if playerResp.PlayabilityStatus != nil {
			reason = playerResp.PlayabilityStatus.Reason
		}
		return "", model.TranscriptNone, false, classifyPlayabilityReason(reason)
	}

	tracks := playerResp.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	track, ok := pickBestTrack(tracks, langs)
	if !ok {
		return "", model.TranscriptNone, false, errors.New("no usable caption tracks")
	}

	text, err = y.fetchTimedText(ctx, track.BaseURL)
	if err != nil {
		return "", model.TranscriptNone, false, err
	}
	if text == "" {
		return "", model.TranscriptNone, false, errors.New("empty transcript")
	}

	if track.Kind == "asr" {
		return text, model.TranscriptAPIAuto, true, nil
	}
	return text, model.TranscriptAPIManual, false, nil
}

func classifyPlayabilityReason(reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "age"):
		return fmt.Errorf("age_restricted: %s", reason)
	case strings.Contains(lower, "not available in your country") || strings.Contains(lower, "geo"):
		return fmt.Errorf("geo_blocked: %s", reason)
	case strings.Contains(lower, "private") || strings.Contains(lower, "removed"):
		return fmt.Errorf("private_or_removed: %s", reason)
	case strings.Contains(lower, "members") || strings.Contains(lower, "join"):
		return fmt.Errorf("members_only: %s", reason)
	case strings.Contains(lower, "premiere") || strings.Contains(lower, "live in"):
		return fmt.Errorf("scheduled_premiere: %s", reason)
	default:
		return fmt.Errorf("transcripts_disabled: %s", reason)
	}
}

// DownloadResult carries every artifact produced by the downloader sub-process.
type DownloadResult struct {
	VideoPath     string
	SubtitlePath  string
	MetadataPath  string
	ThumbnailPath string
	Title         string
	Channel       string
	DurationSec   int
	Resolution    string
}

// Download runs the video/subtitle/metadata/thumbnail download as a
// sub-process, off the main scheduling loop (spec §4.4 step 2, §5 "blocking
// system calls... dispatched to a worker thread pool"). A caller invokes
// this inside a goroutine; the subprocess itself already does the blocking
// wait.
func (y *YouTubeExtractor) Download(ctx context.Context, correlationID, videoID string) (DownloadResult, error) {
	outDir := filepath.Join(y.cfg.StorageRoot, videoID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return DownloadResult{}, apperr.Wrap(apperr.ExtractionStorageFull, correlationID, "create storage dir", err)
	}

	watchURL := "https://www.youtube.com/watch?v=" + videoID
	args := []string{
		watchURL,
		"-f", fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best", resolutionHeight(y.cfg.PreferredQuality)),
		"--write-subs", "--write-auto-subs", "--sub-langs", strings.Join(y.cfg.SubtitleLangs, ","),
		"--write-info-json", "--write-thumbnail",
		"-o", filepath.Join(outDir, "%(id)s.%(ext)s"),
	}

	cmd := exec.CommandContext(ctx, "yt-dlp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return DownloadResult{}, classifyDownloaderFailure(stderr.String(), err)
	}

	return collectDownloadArtifacts(outDir, videoID)
}

func resolutionHeight(quality string) string {
	switch quality {
	case "720p":
		return "720"
	case "480p":
		return "480"
	default:
		return "1080"
	}
}

func classifyDownloaderFailure(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "sign in to confirm your age"):
		return fmt.Errorf("age_restricted: %w", err)
	case strings.Contains(lower, "not available in your country"):
		return fmt.Errorf("geo_blocked: %w", err)
	case strings.Contains(lower, "private video") || strings.Contains(lower, "video unavailable"):
		return fmt.Errorf("private_or_removed: %w", err)
	case strings.Contains(lower, "members-only"):
		return fmt.Errorf("members_only: %w", err)
	case strings.Contains(lower, "too many requests"):
		return fmt.Errorf("rate_limited: %w", err)
	default:
		return fmt.Errorf("network_timeout: %w", err)
	}
}

func collectDownloadArtifacts(outDir, videoID string) (DownloadResult, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return DownloadResult{}, err
	}

	var r DownloadResult
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(outDir, name)
		switch {
		case strings.HasSuffix(name, ".info.json"):
			r.MetadataPath = full
			if meta, err := readInfoJSON(full); err == nil {
				r.Title = meta.Title
				r.Channel = meta.Channel
				r.DurationSec = meta.Duration
				r.Resolution = meta.Resolution
			}
		case strings.HasSuffix(name, ".vtt") || strings.HasSuffix(name, ".srt"):
			r.SubtitlePath = full
		case strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".webp"):
			r.ThumbnailPath = full
		case strings.HasSuffix(name, ".mp4") || strings.HasSuffix(name, ".mkv") || strings.HasSuffix(name, ".webm"):
			r.VideoPath = full
		}
	}
	if r.VideoPath == "" {
		return r, fmt.Errorf("network_timeout: no video file produced for %s", videoID)
	}
	return r, nil
}

type infoJSON struct {
	Title      string `json:"title"`
	Channel    string `json:"channel"`
	Duration   int    `json:"duration"`
	Resolution string `json:"resolution"`
}

func readInfoJSON(path string) (infoJSON, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return infoJSON{}, err
	}
	var meta infoJSON
	if err := json.Unmarshal(b, &meta); err != nil {
		return infoJSON{}, err
	}
	return meta, nil
}

var vttCueTimingRe = regexp.MustCompile(`(?m)^\d{2}:\d{2}:\d{2}[.,]\d{3}\s*-->.*$`)
var vttCueNumberRe = regexp.MustCompile(`(?m)^\d+$`)
var vttTagRe = regexp.MustCompile(`<[^>]+>`)

// ParseVTTFallback strips cue timing and numbering from a downloaded
// subtitle file, used when the transcript API (step 1) produced nothing
// (spec §4.4 step 3).
func ParseVTTFallback(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(raw)
	text = strings.TrimPrefix(text, "WEBVTT")
	text = vttCueTimingRe.ReplaceAllString(text, "")
	text = vttCueNumberRe.ReplaceAllString(text, "")
	text = vttTagRe.ReplaceAllString(text, "")

	seen := make(map[string]bool)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		lines = append(lines, t)
	}
	return strings.Join(lines, " "), nil
}

// BuildMetadataHeader renders the "Title | Channel | Duration | Resolution"
// header prepended to transcript text before it reaches the LLM stage
// (spec §4.4 step 4).
func BuildMetadataHeader(title, channel string, durationSec int, resolution string) string {
	return fmt.Sprintf("%s | %s | %s | %s", title, channel, formatDuration(durationSec), resolution)
}

func formatDuration(sec int) string {
	d := time.Duration(sec) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// EnforceStorageBudget deletes the oldest eligible files once usage exceeds
// the configured trigger percentage of the cap (spec §4.4 step 5).
func EnforceStorageBudget(root string, maxBytes int64, triggerPct float64, retention time.Duration) error {
	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, fileInfo{path, info.Size(), info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return err
	}

	threshold := int64(float64(maxBytes) * triggerPct)
	if total <= threshold {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	cutoff := time.Now().Add(-retention)
	for _, f := range files {
		if total <= threshold {
			break
		}
		if f.modTime.After(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			slog.Warn("storage cleanup: failed to remove file", slog.String("path", f.path), slog.Any("err", err))
			continue
		}
		total -= f.size
		slog.Info("storage cleanup: removed file", slog.String("path", f.path), slog.String("size", humanize.Bytes(uint64(f.size))))
	}
	return nil
}
