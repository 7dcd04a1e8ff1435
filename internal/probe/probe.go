// Package probe implements the external HEAD probe contract: given a
// URL, determine size, content type, range support, and a suggested
// filename, falling back to a ranged GET when HEAD is ambiguous.
package probe

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/riverrun/segdl/internal/httpclient"
	"github.com/riverrun/segdl/internal/model"
)

// Result is the probe contract's output shape (§6).
type Result struct {
	StatusCode        int
	TotalBytes        int64 // 0 means unknown
	ContentType       string
	AcceptsRanges     bool
	SuggestedFilename string
	RetryAfterSeconds int
}

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-. ]+`)

// Probe issues a HEAD request and falls back to a 1-byte range GET
// when the HEAD request fails or reports no size. Redirects are
// followed by the underlying net/http client (up to its default of
// ten), not limited to one. When HEAD reports a size, range support is
// taken from its Accept-Ranges header alone.
func Probe(ctx context.Context, client *httpclient.Client, rawURL string) (*Result, error) {
	res, err := headProbe(ctx, client, rawURL)
	if err == nil && res.TotalBytes > 0 {
		return res, nil
	}

	fallback, ferr := rangeGetProbe(ctx, client, rawURL)
	if ferr != nil {
		if err != nil {
			return nil, err
		}
		return nil, ferr
	}
	if res != nil && fallback.SuggestedFilename == "" {
		fallback.SuggestedFilename = res.SuggestedFilename
	}
	return fallback, nil
}

func headProbe(ctx context.Context, client *httpclient.Client, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, &model.ValidationError{Reason: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &model.TransientNetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
		if loc := resp.Header.Get("Location"); loc != "" {
			return headProbe(ctx, client, loc)
		}
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &model.TransientNetworkError{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode >= 400 {
		return nil, &model.PermanentServerError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	res := &Result{
		StatusCode:        resp.StatusCode,
		ContentType:       resp.Header.Get("Content-Type"),
		AcceptsRanges:     resp.Header.Get("Accept-Ranges") == "bytes",
		SuggestedFilename: suggestedFilename(resp),
		RetryAfterSeconds: parseRetryAfter(resp),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			res.TotalBytes = n
		}
	}
	if res.SuggestedFilename != "" && filepathExt(res.SuggestedFilename) == "" {
		if ext := GuessExtension(res.ContentType); ext != "" {
			res.SuggestedFilename += ext
		}
	}
	return res, nil
}

// rangeGetProbe issues a 1-byte range GET, used when HEAD failed or
// omitted Content-Length (some CDNs only answer correctly to GET).
func rangeGetProbe(ctx context.Context, client *httpclient.Client, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &model.ValidationError{Reason: err.Error()}
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, &model.TransientNetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &model.PermanentServerError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	res := &Result{
		StatusCode:        resp.StatusCode,
		ContentType:       resp.Header.Get("Content-Type"),
		AcceptsRanges:     resp.StatusCode == http.StatusPartialContent,
		SuggestedFilename: suggestedFilename(resp),
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && idx+1 < len(cr) {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				res.TotalBytes = n
			}
		}
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			res.TotalBytes = n
		}
	}
	if res.TotalBytes == 0 {
		return nil, errors.New("server did not report a resource size")
	}
	return res, nil
}

func suggestedFilename(resp *http.Response) string {
	cd := resp.Header.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameSanitizer.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
			return filenameSanitizer.ReplaceAllString(unescaped, "_")
		}
	}
	return ""
}

func parseRetryAfter(resp *http.Response) int {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	n, err := strconv.Atoi(ra)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func filepathExt(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx:]
	}
	return ""
}

// GuessExtension maps a handful of common media content types to a
// file extension, used only when the server gave no filename with one.
func GuessExtension(contentType string) string {
	base := strings.SplitN(contentType, ";", 2)[0]
	base = strings.TrimSpace(base)
	switch base {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/x-matroska":
		return ".mkv"
	case "audio/mpeg":
		return ".mp3"
	case "application/zip":
		return ".zip"
	case "application/pdf":
		return ".pdf"
	case "application/octet-stream":
		return ""
	default:
		return ""
	}
}
