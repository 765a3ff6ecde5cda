package service

import (
	"bytes"
	"context"
	"encoding/json"
	"error_book_backend/internal/util"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PDFRenderer 把 Markdown 渲染为 PDF
type PDFRenderer interface {
	Render(ctx context.Context, title, markdown string) ([]byte, error)
}

// HTTPPDFRenderer 调用外部渲染服务：POST {title, markdown}，响应体为 PDF
type HTTPPDFRenderer struct {
	URL    string
	Client *http.Client
}

func NewHTTPPDFRenderer(url string, timeout time.Duration) *HTTPPDFRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPDFRenderer{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (r *HTTPPDFRenderer) Render(ctx context.Context, title, markdown string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"title": title, "markdown": markdown})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", util.MimePDF)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pdf renderer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pdf renderer status %d: %s", resp.StatusCode, string(msg))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}
