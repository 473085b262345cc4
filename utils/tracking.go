package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken signs a message id so tracking hits cannot be forged for
// arbitrary messages.
func TrackingToken(secret, messageID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

func VerifyTrackingToken(secret, messageID, token string) bool {
	return hmac.Equal([]byte(TrackingToken(secret, messageID)), []byte(token))
}

// ClickToken signs a message id together with the link target, so a click
// URL only ever redirects to the link it was generated for.
func ClickToken(secret, messageID, target string) string {
	return TrackingToken(secret, messageID+"\n"+target)
}

func VerifyClickToken(secret, messageID, target, token string) bool {
	return VerifyTrackingToken(secret, messageID+"\n"+target, token)
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, secret, messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, url.PathEscape(messageID), TrackingToken(secret, messageID))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, secret, messageID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		baseURL, url.PathEscape(messageID), ClickToken(secret, messageID, originalURL), url.QueryEscape(originalURL))
}

func GenerateUnsubscribeURL(baseURL, secret, messageID string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s/%s", baseURL, url.PathEscape(messageID), TrackingToken(secret, messageID))
}

// InjectTracking rewrites links for click tracking and appends the open pixel.
func InjectTracking(htmlContent, baseURL, secret, messageID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, secret, messageID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	return injectClickTracking(htmlContent, baseURL, secret, messageID) + trackingPixel
}

func injectClickTracking(html, baseURL, secret, messageID string) string {
	// Only double-quoted href attributes are rewritten
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if strings.HasPrefix(originalURL, "mailto:") || strings.HasPrefix(originalURL, baseURL) {
			offset = endIdx
			continue
		}
		trackedURL := GenerateClickTrackURL(baseURL, secret, messageID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
