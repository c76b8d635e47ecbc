package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/otad/internal/telemetry"
)

// Sink uploads update records as JSON blobs to an HTTP object store. The
// object URL is baseURL/bucket/key and requests carry a bearer token.
type Sink struct {
	client  *http.Client
	baseURL string
	bucket  string
	token   string
}

func New(baseURL, bucket, token string) *Sink {
	if bucket == "" {
		bucket = telemetry.DefaultBucket
	}
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		token:   token,
	}
}

// Store implements telemetry.Sink.
func (s *Sink) Store(ctx context.Context, rec telemetry.Record) error {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, s.bucket, rec.Key())
	b, _ := json.Marshal(rec)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("blob sink status %d for %s", resp.StatusCode, u)
	}
	return nil
}
