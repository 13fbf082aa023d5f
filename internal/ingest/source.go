package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/tankcal/internal/httputil"
	"github.com/lox/tankcal/internal/metrics"
)

var ErrNotFound = errors.New("ingest: series file not found")

// Source fetches series files by slash-separated relative name, such as
// "2024/RSHME_TimeSeries.txt".
type Source interface {
	Kind() string
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// RainFile and RunoffFile name the files holding a catchment's series for
// one year.
func RainFile(areaNo string, year int) string {
	return fmt.Sprintf("%d/%s_TimeSeries.txt", year, areaNo)
}

func RunoffFile(reservoirID string, year int) string {
	return fmt.Sprintf("%d/%s_TimeSeries.txt", year, reservoirID)
}

// fetch wraps a source call with fetch metrics.
func fetch(ctx context.Context, src Source, name string) ([]byte, error) {
	start := time.Now()
	body, err := src.Fetch(ctx, name)
	metrics.SourceFetchLatency.WithLabelValues(src.Kind()).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.SourceFetchesTotal.WithLabelValues(src.Kind(), status).Inc()
	return body, err
}

// FileSource reads series files below a local directory.
type FileSource struct {
	Root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{Root: root}
}

func (s *FileSource) Kind() string { return "file" }

func (s *FileSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}
	body, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return body, nil
}

// HTTPSource fetches series files relative to a base URL, retrying
// rate-limited and server-side failures with exponential backoff.
type HTTPSource struct {
	baseURL *url.URL
	client  *http.Client

	// NewBackOff returns the retry policy for one fetch. Defaults to
	// exponential backoff capped at two minutes.
	NewBackOff func() backoff.BackOff
}

func NewHTTPSource(baseURL string) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &HTTPSource{
		baseURL: u,
		client:  httputil.NewClient(""),
	}, nil
}

func (s *HTTPSource) Kind() string { return "http" }

func (s *HTTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	ref, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("parse name: %w", err)
	}
	target := s.baseURL.ResolveReference(ref).String()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("new request: %w", err))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch %s: %w", name, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, name))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("fetch %s: status %d", name, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", name, resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	var bo backoff.BackOff
	if s.NewBackOff != nil {
		bo = s.NewBackOff()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 2 * time.Minute
		bo = exp
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// FTPSource retrieves series files from an FTP server, logging in
// anonymously unless credentials are set.
type FTPSource struct {
	Addr     string // host:port
	Root     string
	User     string
	Password string
	Timeout  time.Duration
}

func NewFTPSource(addr, root string) *FTPSource {
	return &FTPSource{
		Addr:     addr,
		Root:     root,
		User:     "anonymous",
		Password: "anonymous",
		Timeout:  30 * time.Second,
	}
}

func (s *FTPSource) Kind() string { return "ftp" }

func (s *FTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	conn, err := ftp.Dial(s.Addr, ftp.DialWithTimeout(s.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(s.User, s.Password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	p := path.Join("/", s.Root, name)
	resp, err := conn.Retr(p)
	if err != nil {
		var perr *textproto.Error
		if errors.As(err, &perr) && perr.Code == ftp.StatusFileUnavailable {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// NewSource picks a source from a location string: an http(s) URL, an
// ftp://host[:port]/root URL, or a local directory.
func NewSource(location string) (Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTPSource(location)
	case strings.HasPrefix(location, "ftp://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse ftp url: %w", err)
		}
		host := u.Host
		if u.Port() == "" {
			host += ":21"
		}
		src := NewFTPSource(host, u.Path)
		if u.User != nil {
			src.User = u.User.Username()
			if pw, ok := u.User.Password(); ok {
				src.Password = pw
			}
		}
		return src, nil
	default:
		return NewFileSource(location), nil
	}
}
