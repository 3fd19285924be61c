package remote

import (
	"encoding/json"
	"strings"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

// StatusResult is a status response reduced to the fields the poller cares about
type StatusResult struct {
	ID           string
	Status       models.JobStatus // empty when the response carried no status
	VideoURL     string
	ThumbnailURL string
	ErrorMessage string
	Raw          json.RawMessage
	Endpoint     string // candidate path that answered
}

// Normalize reconciles a raw status payload. A nested "detail" object
// overrides the top-level status and backfills video/thumbnail URLs that the
// top level lacks.
func Normalize(body []byte) (*StatusResult, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &errdefs.DecodeError{Body: string(body), Err: err}
	}
	if payload == nil {
		return nil, &errdefs.InvalidResponseError{Reason: "status response is not an object", Body: string(body)}
	}

	res := &StatusResult{
		ID:           stringField(payload, "id"),
		Status:       models.ParseStatus(stringField(payload, "status")),
		VideoURL:     stringField(payload, "video_url"),
		ThumbnailURL: stringField(payload, "thumbnail_url"),
		Raw:          append(json.RawMessage(nil), body...),
	}

	detail, detailIsObject := payload["detail"].(map[string]interface{})
	if detailIsObject {
		if s := models.ParseStatus(stringField(detail, "status")); s != "" {
			res.Status = s
		}
		if res.VideoURL == "" {
			res.VideoURL = stringField(detail, "url")
		}
		if res.ThumbnailURL == "" {
			res.ThumbnailURL = stringField(detail, "thumbnail_url")
		}
	}

	res.ErrorMessage = extractError(payload)
	return res, nil
}

// extractError looks at "error" first, then at "detail"
func extractError(payload map[string]interface{}) string {
	switch e := payload["error"].(type) {
	case map[string]interface{}:
		if msg := stringField(e, "message"); msg != "" {
			return msg
		}
	case string:
		if msg := strings.TrimSpace(e); msg != "" {
			return msg
		}
	}

	switch d := payload["detail"].(type) {
	case map[string]interface{}:
		return stringField(d, "message")
	case string:
		return strings.TrimSpace(d)
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return ""
	}
}
