package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/tracing"
)

// DefaultUploadURL is the image hosting endpoint seed images are pushed to
const DefaultUploadURL = "https://imageproxy.zhongzhuan.chat/api/upload"

// IsRemoteURL reports whether s is an http(s) URL that can be passed to the
// service without uploading
func IsRemoteURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// UploadAsset pushes a local image to the upload host and returns its public URL
func (c *Client) UploadAsset(ctx context.Context, path string) (link string, err error) {
	ctx, span := c.tracer.Start(ctx, "remote.upload_asset", trace.WithAttributes(
		attribute.String("file.name", filepath.Base(path)),
	))
	defer func() { tracing.Finish(span, err) }()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", errdefs.ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return "", fmt.Errorf("%w: %s is a directory", errdefs.ErrFileNotFound, path)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(writeFilePart(mw, f, filepath.Base(path)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(c.uploadClient, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &errdefs.RemoteError{StatusCode: status, Body: string(body), URL: req.URL.Redacted()}
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &errdefs.DecodeError{Body: string(body), Err: err}
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", &errdefs.InvalidResponseError{Reason: "upload response has no url", Body: string(body)}
	}

	c.logger.Info("Uploaded seed image", map[string]interface{}{
		"file": filepath.Base(path),
		"url":  out.URL,
	})
	return strings.TrimSpace(out.URL), nil
}

func writeFilePart(mw *multipart.Writer, r io.Reader, name string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}
