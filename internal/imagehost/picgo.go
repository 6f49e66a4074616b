package imagehost

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const uploadTimeout = 30 * time.Second

// dataURIImage matches inline Markdown images carrying a data: URI.
var dataURIImage = regexp.MustCompile(`!\[image\]\((data:[^)]+)\)`)

// urlFields are the response paths Chevereto/PicGo deployments use for the
// hosted URL, probed in order.
var urlFields = []string{
	"image.url",
	"image.display_url",
	"image.url_viewer",
	"data.url",
	"data.display_url",
}

// Uploader rehosts base64 images on a Chevereto/PicGo-style image host so
// responses carry short URLs instead of megabytes of base64. Every failure
// degrades to keeping the original data URI.
type Uploader struct {
	enabled bool
	url     string
	key     string
	client  *http.Client
}

func NewUploader(enabled bool, uploadURL, apiKey string) *Uploader {
	return &Uploader{
		enabled: enabled && uploadURL != "",
		url:     uploadURL,
		key:     apiKey,
		client:  &http.Client{Timeout: uploadTimeout},
	}
}

func (u *Uploader) Enabled() bool { return u.enabled }

// Upload posts one data URI to the image host and returns the hosted URL,
// or "" on any failure.
func (u *Uploader) Upload(ctx context.Context, dataURI string) string {
	if !u.enabled {
		return ""
	}
	_, b64, found := strings.Cut(dataURI, ";base64,")
	if !found || b64 == "" {
		log.Debug("skip malformed data uri upload")
		return ""
	}

	form := url.Values{}
	form.Set("key", u.key)
	form.Set("source", b64)
	form.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url,
		strings.NewReader(form.Encode()))
	if err != nil {
		log.WithError(err).Warn("build image upload request")
		return ""
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("image upload failed")
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("image host rejected upload")
		return ""
	}

	root := gjson.ParseBytes(body)
	for _, field := range urlFields {
		if hosted := root.Get(field).String(); hosted != "" {
			return hosted
		}
	}
	log.Warn("image host response had no url field")
	return ""
}

// RewriteDataURIs replaces inline Markdown data-URI images with hosted URLs,
// keeping the surrounding Markdown intact. Images that fail to upload are
// left as they were.
func (u *Uploader) RewriteDataURIs(ctx context.Context, text string) string {
	if !u.enabled || !strings.Contains(text, "![image](data:") {
		return text
	}
	return dataURIImage.ReplaceAllStringFunc(text, func(match string) string {
		dataURI := dataURIImage.FindStringSubmatch(match)[1]
		if hosted := u.Upload(ctx, dataURI); hosted != "" {
			return "![image](" + hosted + ")"
		}
		return match
	})
}
