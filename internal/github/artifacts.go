package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// Artifact is an uploaded Actions artifact as listed by the API.
type Artifact struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SizeInBytes        int64     `json:"size_in_bytes"`
	Expired            bool      `json:"expired"`
	ArchiveDownloadURL string    `json:"archive_download_url"`
	CreatedAt          time.Time `json:"created_at"`
}

// ListRunArtifacts returns every artifact uploaded by a workflow run.
func (c *Client) ListRunArtifacts(ctx context.Context, installationID int64, owner, repo string, runID int64) ([]Artifact, error) {
	var artifacts []Artifact
	for page := 1; page <= maxPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts?per_page=%d&page=%d",
			owner, repo, runID, perPage, page)
		var body struct {
			Artifacts []Artifact `json:"artifacts"`
		}
		err := c.request(ctx, http.MethodGet, path, installationID, func(resp *http.Response) error {
			return decodeJSON(resp, &body)
		})
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, body.Artifacts...)
		if len(body.Artifacts) < perPage {
			break
		}
	}
	return artifacts, nil
}

// DownloadArtifact streams an artifact zip into destDir and returns the
// file path and its size. The API answers with a redirect to short-lived
// blob storage, which the HTTP client follows; the body is never held in
// memory. Downloads that exceed maxBytes are aborted and removed.
func (c *Client) DownloadArtifact(ctx context.Context, installationID int64, owner, repo string, artifactID int64, destDir string, maxBytes int64) (string, int64, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID)

	var filePath string
	var written int64
	err := c.request(ctx, http.MethodGet, path, installationID, func(resp *http.Response) error {
		f, err := os.CreateTemp(destDir, fmt.Sprintf("artifact-%d-*.zip", artifactID))
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, "create artifact file", err)
		}
		filePath = f.Name()

		written, err = io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
		closeErr := f.Close()
		if err != nil {
			os.Remove(filePath)
			return apperrors.Wrap(apperrors.CodeNetwork, "stream artifact body", err)
		}
		if closeErr != nil {
			os.Remove(filePath)
			return apperrors.Wrap(apperrors.CodeInternal, "close artifact file", closeErr)
		}
		if written > maxBytes {
			os.Remove(filePath)
			return apperrors.Newf(apperrors.CodeArtifactTooLarge, "artifact %d exceeds %d bytes", artifactID, maxBytes)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	if c.metrics != nil {
		c.metrics.ArtifactBytes.Add(float64(written))
	}
	return filePath, written, nil
}
