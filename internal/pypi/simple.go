package pypi

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when an index responds 404 for a project page.
// Callers decide whether that is fatal: a miss on one of several consulted
// sources is expected, a miss on an explicitly pinned source is not.
var ErrNotFound = errors.New("package not found")

// Link is one anchor extracted from a PEP 503 simple-repository project page
// or a flat link page: the distribution filename, its download URL, and the
// per-file attributes the simple API carries inline.
type Link struct {
	Filename       string
	URL            string
	RequiresPython string // data-requires-python attribute, if present
	SHA256         string // from a trailing #sha256=... URL fragment
	Yanked         bool   // data-yanked attribute, if present
}

// SimpleClient lists the distribution links an index advertises for a
// project. The PEP 503 flavor serves one page per project under
// {base}/{name}/; the flat flavor serves a single page of links for every
// project it carries, filtered by filename on the client side.
type SimpleClient interface {
	GetLinks(ctx context.Context, name string) ([]Link, error)
}

// SimpleOption configures a SimpleService.
type SimpleOption func(*SimpleService)

// WithSimpleHTTPClient sets the HTTP client used for page fetches.
func WithSimpleHTTPClient(c *http.Client) SimpleOption {
	return func(s *SimpleService) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithSimpleLogger sets the structured logger.
func WithSimpleLogger(l *slog.Logger) SimpleOption {
	return func(s *SimpleService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFlatPage marks the index as a single flat link page (e.g. a
// torch_stable.html style listing) rather than a per-project PEP 503 tree:
// the base URL is fetched as-is and links are filtered by filename.
func WithFlatPage() SimpleOption {
	return func(s *SimpleService) {
		s.flat = true
	}
}

// SimpleService speaks the PEP 503 simple-repository HTML flavor. Pages are
// scanned as a token stream for <a> elements; pip itself tolerates invalid
// markup here, so a syntax error is treated as end-of-page rather than
// failure, keeping whatever links were collected before it (possibly none).
type SimpleService struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	flat       bool
}

var _ SimpleClient = (*SimpleService)(nil)

// NewSimple creates a SimpleService rooted at baseURL.
func NewSimple(baseURL string, opts ...SimpleOption) *SimpleService {
	s := &SimpleService{
		httpClient: &http.Client{Timeout: clientTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GetLinks fetches the project page for name (or the whole flat page) and
// returns the distribution links it advertises, retrying transient failures
// with the same bounded backoff the JSON client uses.
func (s *SimpleService) GetLinks(ctx context.Context, name string) ([]Link, error) {
	pageURL := s.baseURL
	if !s.flat {
		pageURL = fmt.Sprintf("%s/%s/", s.baseURL, name)
	}

	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			s.logger.Debug("retrying simple index request",
				slog.String("package", name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetching %s: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		links, err := s.doRequest(ctx, pageURL, name)
		if err == nil {
			return links, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, fmt.Errorf("fetching %s: %w", name, err)
		}

		lastErr = err
		s.logger.Debug("simple index request failed",
			slog.String("package", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("fetching %s after %d attempts: %w", name, maxRetries, lastErr)
}

func (s *SimpleService) doRequest(ctx context.Context, pageURL, name string) ([]Link, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", pageURL, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", pageURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s at %s", ErrNotFound, name, pageURL)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, pageURL)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, pageURL)
	}

	links, err := scanLinks(resp.Body)
	if err != nil {
		return nil, err
	}

	if s.flat {
		links = filterLinksByName(links, name)
	}

	return links, nil
}

// scanLinks walks the page as an XML token stream collecting <a> elements.
// Any XML syntax error ends the scan rather than failing it, since
// real simple pages are frequently not well-formed XML and pip does not care.
func scanLinks(r io.Reader) ([]Link, error) {
	var links []Link

	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	for {
		token, err := dec.Token()

		var syntaxError *xml.SyntaxError

		switch {
		case errors.Is(err, io.EOF):
			return links, nil
		case errors.As(err, &syntaxError):
			return links, nil
		case err != nil:
			return nil, fmt.Errorf("scanning link page: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, "a") {
			continue
		}

		if l, ok := linkOf(start); ok {
			links = append(links, l)
		}
	}
}

func linkOf(a xml.StartElement) (Link, bool) {
	var l Link

	for _, attr := range a.Attr {
		switch strings.ToLower(attr.Name.Local) {
		case "href":
			l.URL = attr.Value
		case "data-requires-python":
			l.RequiresPython = attr.Value
		case "data-yanked":
			l.Yanked = true
		}
	}

	if l.URL == "" {
		return Link{}, false
	}

	u, err := url.Parse(l.URL)
	if err != nil {
		return Link{}, false
	}

	l.Filename = path.Base(u.Path)

	if frag, ok := strings.CutPrefix(u.Fragment, "sha256="); ok {
		l.SHA256 = frag
	}

	return l, true
}

// filterLinksByName keeps links whose filename starts with the normalized
// project name, the filename convention both wheels and sdists follow
// ("name-version-...": PEP 427 normalizes "-"/"."/"_" runs to "_" in the
// name part).
func filterLinksByName(links []Link, name string) []Link {
	want := normalizeFilenamePrefix(name)

	var out []Link

	for _, l := range links {
		prefix := normalizeFilenamePrefix(l.Filename)
		if strings.HasPrefix(prefix, want+"-") {
			out = append(out, l)
		}
	}

	return out
}

func normalizeFilenamePrefix(s string) string {
	s = strings.ToLower(s)
	for _, r := range []string{"_", "."} {
		s = strings.ReplaceAll(s, r, "-")
	}

	return s
}
