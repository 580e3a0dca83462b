package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"childsecurity/internal/photostore"
)

// CompareResult contains face comparison results.
type CompareResult struct {
	Similarity float64 `json:"similarity"`
	Match      bool    `json:"match"`
	Threshold  float64 `json:"threshold"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, Compare returns a canned high score so
// the service runs without the face microservice in dev.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Compare compares two face images (raw bytes) and returns similarity.
func (c *Client) Compare(ctx context.Context, image1, image2 []byte) (*CompareResult, error) {
	if c.Skip {
		return &CompareResult{
			Similarity: 0.92,
			Match:      true,
			Threshold:  0.5,
		}, nil
	}
	if len(image1) == 0 || len(image2) == 0 {
		return nil, fmt.Errorf("both images required")
	}

	body, _ := json.Marshal(map[string]string{
		"image_b64_1": base64.StdEncoding.EncodeToString(image1),
		"image_b64_2": base64.StdEncoding.EncodeToString(image2),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

// Matcher compares a stored guardian photo against a submitted one. It loads
// and decrypts the stored photo before handing both to the face service.
type Matcher struct {
	Client *Client
	Photos photostore.Store
}

// Compare returns the similarity score for the stored ref vs the submitted photo.
func (m *Matcher) Compare(ctx context.Context, storedRef string, submitted []byte) (float64, error) {
	stored, err := m.Photos.Load(ctx, storedRef)
	if err != nil {
		return 0, fmt.Errorf("load stored photo: %w", err)
	}
	res, err := m.Client.Compare(ctx, stored, submitted)
	if err != nil {
		return 0, err
	}
	return res.Similarity, nil
}
