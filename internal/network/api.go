package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cirunner/pkg/api"
)

// API implements the runner endpoints of the CI server.
type API struct {
	baseURL string
	client  *Client
	info    api.VersionInfo
}

// NewAPI binds the runner endpoints under baseURL to a session.
func NewAPI(baseURL string, client *Client, info api.VersionInfo) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		info:    info,
	}
}

// Info is the version/capability descriptor sent with every request.
func (a *API) Info() api.VersionInfo {
	return a.info
}

// Register exchanges a registration token for a runner token.
func (a *API) Register(ctx context.Context, description, registrationToken string, tags []string) (string, error) {
	body := api.RegisterRunnerRequest{
		Token:       registrationToken,
		Description: description,
		TagList:     strings.Join(tags, ","),
		RunUntagged: len(tags) == 0,
		Info:        a.info,
	}

	var result api.RegisterRunnerResponse
	if err := a.doJSON(ctx, http.MethodPost, "/api/v4/runners", body, &result, http.StatusCreated); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", ErrNoToken
	}
	return result.Token, nil
}

// Unregister revokes a runner token.
func (a *API) Unregister(ctx context.Context, token string) error {
	body := api.UnregisterRunnerRequest{Token: token}
	return a.doJSON(ctx, http.MethodDelete, "/api/v4/runners", body, nil, http.StatusNoContent, http.StatusOK)
}

// RequestJob polls for work. It returns nil, nil when there is none.
func (a *API) RequestJob(ctx context.Context, token string) (*api.JobResponse, error) {
	body := api.JobRequest{Info: a.info, Token: token}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.send(ctx, http.MethodPost, "/api/v4/jobs/request", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusCreated:
		var job api.JobResponse
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("failed to parse job: %w", err)
		}
		return &job, nil
	default:
		return nil, apiError(http.MethodPost, "/api/v4/jobs/request", resp)
	}
}

// UpdateJob reports a job's state.
func (a *API) UpdateJob(ctx context.Context, job *api.JobResponse, state api.JobState, reason api.FailureReason, traceSize int64) error {
	body := api.UpdateJobRequest{
		Info:          a.info,
		Token:         job.Token,
		State:         state,
		FailureReason: reason,
		Output:        api.JobTraceOutput{Bytesize: traceSize},
	}
	path := fmt.Sprintf("/api/v4/jobs/%d", job.ID)
	return a.doJSON(ctx, http.MethodPut, path, body, nil, http.StatusOK)
}

// PatchTrace appends content to the job's log at offset and returns the new offset.
func (a *API) PatchTrace(ctx context.Context, job *api.JobResponse, content []byte, offset int64) (int64, error) {
	end := offset + int64(len(content))
	path := fmt.Sprintf("/api/v4/jobs/%d/trace", job.ID)

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, a.baseURL+path, bytes.NewReader(content))
	if err != nil {
		return offset, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end))
	req.Header.Set("Job-Token", job.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return offset, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return offset, apiError(http.MethodPatch, path, resp)
	}
	io.Copy(io.Discard, resp.Body)

	// The server may echo the range it now holds.
	if r := resp.Header.Get("Range"); r != "" {
		if _, acked, err := parseRange(r); err == nil && acked != end {
			return offset, fmt.Errorf("trace of job %d: server holds %d bytes, sent up to %d", job.ID, acked, end)
		}
	}
	return end, nil
}

// DownloadArtifacts streams a prior job's archive into w.
func (a *API) DownloadArtifacts(ctx context.Context, dep api.Dependency, w io.Writer) (int64, error) {
	path := fmt.Sprintf("/api/v4/jobs/%d/artifacts", dep.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Job-Token", dep.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apiError(http.MethodGet, path, resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download artifacts of job %d: %w", dep.ID, err)
	}
	return n, nil
}

// UploadOptions are the form fields sent alongside the archive.
type UploadOptions struct {
	ExpireIn string
}

// UploadArtifacts streams the archive at archivePath as a multipart form.
// The file is never read fully into memory.
func (a *API) UploadArtifacts(ctx context.Context, job *api.JobResponse, archivePath string, opts UploadOptions) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeArtifactForm(form, f, filepath.Base(archivePath), opts))
	}()
	// The writer must be done with f before it is closed.
	defer func() {
		pr.Close()
		<-written
	}()

	path := fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, pr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Job-Token", job.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apiError(http.MethodPost, path, resp)
	}
	return nil
}

func writeArtifactForm(form *multipart.Writer, src io.Reader, filename string, opts UploadOptions) error {
	fields := [][2]string{
		{"artifact_format", "zip"},
		{"artifact_type", "archive"},
	}
	if opts.ExpireIn != "" {
		fields = append(fields, [2]string{"expire_in", opts.ExpireIn})
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return form.Close()
}

func (a *API) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := a.client.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (a *API) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (a *API) doJSON(ctx context.Context, method, path string, body, result any, want ...int) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return apiError(method, path, resp)
	}

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func apiError(method, path string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(respBody))

	var parsed api.ErrorResponse
	if json.Unmarshal(respBody, &parsed) == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
}

// parseRange reads "start-end" as sent in Content-Range/Range headers.
func parseRange(v string) (start, end int64, err error) {
	lo, hi, ok := strings.Cut(v, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	if start, err = strconv.ParseInt(lo, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed range %q: %w", v, err)
	}
	if end, err = strconv.ParseInt(hi, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed range %q: %w", v, err)
	}
	return start, end, nil
}
