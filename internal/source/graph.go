// Package source fetches pages from Microsoft Graph OneNote or a local export.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/pagesync/internal/config"
	"github.com/vonshlovens/pagesync/internal/model"
)

const contentConcurrency = 4

// StatusError is a non-2xx Graph response
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph request %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Graph fetches OneNote pages through Microsoft Graph
type Graph struct {
	client     *http.Client
	baseURL    string
	retries    uint64
	retryDelay time.Duration
}

// NewGraph creates a Graph source. The client must attach credentials,
// see HTTPClient.
func NewGraph(client *http.Client, baseURL string, retryAttempts int, retryDelay time.Duration) *Graph {
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Graph{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		retries:    uint64(retryAttempts),
		retryDelay: retryDelay,
	}
}

// HTTPClient returns a client that authenticates Graph requests, either with
// a fixed access token or by redeeming the configured refresh token.
func HTTPClient(ctx context.Context, cfg config.GraphConfig) *http.Client {
	if cfg.AccessToken != "" {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}))
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type site struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type notebook struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type section struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	ParentNotebook *notebook `json:"parentNotebook"`
}

type pageMeta struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	CreatedDateTime      time.Time `json:"createdDateTime"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	parentPath           string
}

// FetchItems returns every page visible under sel with its HTML content.
// Any failure aborts the fetch: a partial page set would look like deletions.
func (g *Graph) FetchItems(ctx context.Context, sel model.Selector) ([]model.Item, error) {
	prefix, err := g.prefix(ctx, sel.Site)
	if err != nil {
		return nil, err
	}

	sections, err := g.sections(ctx, prefix, sel.Notebook)
	if err != nil {
		return nil, err
	}
	slog.Info("listed onenote sections", "count", len(sections))

	var pages []pageMeta
	for _, s := range sections {
		q := url.Values{"$orderby": {"createdDateTime asc"}}
		found, err := getAll[pageMeta](ctx, g, prefix+"/sections/"+url.PathEscape(s.ID)+"/pages?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("failed to list pages of section %q: %w", s.DisplayName, err)
		}
		parent := s.DisplayName
		if s.ParentNotebook != nil && s.ParentNotebook.DisplayName != "" {
			parent = s.ParentNotebook.DisplayName + "/" + s.DisplayName
		}
		for i := range found {
			found[i].parentPath = parent
		}
		pages = append(pages, found...)
	}
	slog.Info("listed onenote pages", "count", len(pages))

	items := make([]model.Item, len(pages))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(contentConcurrency)
	for i, p := range pages {
		eg.Go(func() error {
			body, err := g.get(egctx, prefix+"/pages/"+url.PathEscape(p.ID)+"/content")
			if err != nil {
				return fmt.Errorf("failed to fetch content of page %s: %w", p.ID, err)
			}
			modified := p.LastModifiedDateTime
			if modified.IsZero() {
				modified = p.CreatedDateTime
			}
			items[i] = model.Item{
				ID:         p.ID,
				Title:      p.Title,
				RawContent: string(body),
				ModifiedAt: modified,
				ParentPath: p.parentPath,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return items, nil
}

// prefix resolves the OneNote root: the signed-in user's notebooks, or those
// of the SharePoint site named siteName.
func (g *Graph) prefix(ctx context.Context, siteName string) (string, error) {
	if siteName == "" {
		return g.baseURL + "/me/onenote", nil
	}

	q := url.Values{"search": {siteName}}
	sites, err := getAll[site](ctx, g, g.baseURL+"/sites?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("failed to search site %q: %w", siteName, err)
	}
	if len(sites) == 0 {
		return "", fmt.Errorf("site %q not found", siteName)
	}

	chosen := sites[0]
	for _, s := range sites {
		if strings.EqualFold(s.DisplayName, siteName) || strings.EqualFold(s.Name, siteName) {
			chosen = s
			break
		}
	}
	slog.Debug("resolved sharepoint site", "site", siteName, "id", chosen.ID)
	return g.baseURL + "/sites/" + url.PathEscape(chosen.ID) + "/onenote", nil
}

func (g *Graph) sections(ctx context.Context, prefix, notebookName string) ([]section, error) {
	if notebookName == "" {
		q := url.Values{"$expand": {"parentNotebook($select=id,displayName)"}}
		sections, err := getAll[section](ctx, g, prefix+"/sections?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("failed to list sections: %w", err)
		}
		return sections, nil
	}

	notebooks, err := getAll[notebook](ctx, g, prefix+"/notebooks")
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}
	for _, nb := range notebooks {
		if !strings.EqualFold(nb.DisplayName, notebookName) {
			continue
		}
		sections, err := getAll[section](ctx, g, prefix+"/notebooks/"+url.PathEscape(nb.ID)+"/sections")
		if err != nil {
			return nil, fmt.Errorf("failed to list sections of notebook %q: %w", nb.DisplayName, err)
		}
		for i := range sections {
			sections[i].ParentNotebook = &notebook{ID: nb.ID, DisplayName: nb.DisplayName}
		}
		return sections, nil
	}
	return nil, fmt.Errorf("notebook %q not found", notebookName)
}

// getAll follows @odata.nextLink until the collection is exhausted
func getAll[T any](ctx context.Context, g *Graph, next string) ([]T, error) {
	var all []T
	for next != "" {
		body, err := g.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var page collection[T]
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", next, err)
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// get issues a GET, retrying throttling, server errors and transport failures
// with exponential backoff
func (g *Graph) get(ctx context.Context, target string) ([]byte, error) {
	backoff := retry.WithMaxRetries(g.retries, retry.NewExponential(g.retryDelay))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{URL: target, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				slog.Warn("graph request failed, retrying", "url", target, "status", resp.StatusCode)
				return retry.RetryableError(serr)
			}
			return serr
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsStatus reports whether err is a Graph response with the given status
func IsStatus(err error, code int) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == code
}
