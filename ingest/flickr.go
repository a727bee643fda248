package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// Photo is one search candidate: a direct image URL plus the source's stable
// photo id, used for deterministic filenames.
type Photo struct {
	ID    string
	Title string
	URL   string
}

// Searcher finds candidate photo URLs for a free-text query. Implemented by
// FlickrClient; the collector only depends on this interface.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Photo, error)
}

const (
	flickrEndpoint = "https://api.flickr.com/services/rest/"

	// Flickr license codes 1..6 are the Creative Commons family.
	creativeCommonsLicenses = "1,2,3,4,5,6"
)

// FlickrClient searches Flickr for Creative Commons photos. It is a pure URL
// source: downloading and storing is the Ingestor's job.
type FlickrClient struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ Searcher = (*FlickrClient)(nil)

// NewFlickrClient creates a client with the given API key.
func NewFlickrClient(apiKey string) *FlickrClient {
	return &FlickrClient{
		apiKey:   apiKey,
		endpoint: flickrEndpoint,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// WithEndpoint replaces the API endpoint, typically with a test server. It
// returns c to allow chaining.
func (c *FlickrClient) WithEndpoint(endpoint string) *FlickrClient {
	c.endpoint = endpoint
	return c
}

// WithClient replaces the HTTP client. It returns c to allow chaining.
func (c *FlickrClient) WithClient(client *http.Client) *FlickrClient {
	c.client = client
	return c
}

type flickrResponse struct {
	Stat    string `json:"stat"`
	Message string `json:"message"`
	Photos  struct {
		Photo []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			URLMedium string `json:"url_m"`
			URLLarge  string `json:"url_l"`
		} `json:"photo"`
	} `json:"photos"`
}

// Search runs a flickr.photos.search restricted to Creative Commons licensed
// photos and returns up to maxResults candidates, preferring the large image
// URL over the medium one. Photos exposing neither URL are skipped.
func (c *FlickrClient) Search(ctx context.Context, query string, maxResults int) ([]Photo, error) {
	params := url.Values{}
	params.Set("method", "flickr.photos.search")
	params.Set("api_key", c.apiKey)
	params.Set("text", query)
	params.Set("license", creativeCommonsLicenses)
	params.Set("media", "photos")
	params.Set("per_page", strconv.Itoa(maxResults))
	params.Set("extras", "url_m,url_l")
	params.Set("format", "json")
	params.Set("nojsoncallback", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid search request for %q", query)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "flickr search for %q failed", query)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("flickr search for %q: status %s", query, resp.Status)
	}
	var parsed flickrResponse
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrapf(err, "failed parsing flickr response for %q", query)
	}
	if parsed.Stat != "ok" {
		return nil, errors.Errorf("flickr search for %q: %s", query, parsed.Message)
	}

	photos := make([]Photo, 0, len(parsed.Photos.Photo))
	for _, p := range parsed.Photos.Photo {
		photoURL := p.URLLarge
		if photoURL == "" {
			photoURL = p.URLMedium
		}
		if photoURL == "" {
			continue
		}
		photos = append(photos, Photo{ID: p.ID, Title: p.Title, URL: photoURL})
		if len(photos) >= maxResults {
			break
		}
	}
	return photos, nil
}
