package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	uploadPath    = "api/v1/bom"
	bomMediaType  = "application/vnd.cyclonedx+json; version=1.6"
	uploadTimeout = time.Minute
)

// RepositoryUploader posts each BOM to a CZERTAINLY BOM repository.
type RepositoryUploader struct {
	requestURL string
	client     *http.Client
}

// NewRepositoryUploader expects the server URL with a scheme and without a path.
func NewRepositoryUploader(serverURL string) (*RepositoryUploader, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" || strings.TrimRight(u.Path, "/") != "" {
		return nil, fmt.Errorf("repository url %q: expected a scheme and no path, e.g. `http://some-url.com`", serverURL)
	}
	u.Path = "/" + uploadPath
	u.RawQuery = ""
	return &RepositoryUploader{
		requestURL: u.String(),
		client:     &http.Client{Timeout: uploadTimeout},
	}, nil
}

// Created is the answer of the repository to a stored BOM.
type Created struct {
	SerialNumber string `json:"serialNumber"`
	Version      int    `json:"version"`
}

func (c *RepositoryUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", bomMediaType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := decodeResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "BOM uploaded",
		slog.String("urn", created.SerialNumber),
		slog.Int("version", created.Version))
	return nil
}

func decodeResponse(resp *http.Response) (Created, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return Created{}, fmt.Errorf("parsing response content type: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return Created{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var created Created
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return Created{}, fmt.Errorf("decoding json response: %w", err)
		}
		if created.SerialNumber == "" || created.Version == 0 {
			return Created{}, errors.New("received unexpected body")
		}
		return created, nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return Created{}, fmt.Errorf("status code: %d, expected `application/problem+json` content type, got: %s", resp.StatusCode, contentType)
		}
		var problem struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return Created{}, fmt.Errorf("decoding problem response: %w", err)
		}
		return Created{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problem.Detail)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Created{}, err
	}
	return Created{}, fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, body)
}
