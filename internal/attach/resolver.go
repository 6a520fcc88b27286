// Package attach resolves attachment references into time-limited
// retrieval URLs and issues upload targets. The gateway never proxies
// attachment bytes: clients upload directly to storage and send
// references only.
package attach

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrObjectNotFound means the object does not exist in the probed bucket.
// It is not fatal during resolution: the resolver moves to the next
// candidate bucket.
var ErrObjectNotFound = errors.New("attach: object not found")

// ObjectProber checks object existence in a bucket. Implementations must
// return ErrObjectNotFound for a missing object and a different error for
// permission or transport failures (those abort the fallback chain).
type ObjectProber interface {
	Stat(ctx context.Context, bucket, objPath string) error
}

// Resolver signs retrieval and upload URLs against the storage gateway.
type Resolver struct {
	baseURL string
	secret  []byte
	buckets []string
	prober  ObjectProber
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver constructs a Resolver. buckets is the ordered fallback list
// tried after an explicit bucket hint.
func NewResolver(baseURL, secret string, buckets []string, prober ObjectProber, opts ...Option) (*Resolver, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("attach: empty storage base URL")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("attach: empty signing secret")
	}
	if len(buckets) == 0 {
		return nil, errors.New("attach: no buckets configured")
	}
	if prober == nil {
		return nil, errors.New("attach: nil prober")
	}
	r := &Resolver{
		baseURL: baseURL,
		secret:  []byte(secret),
		buckets: append([]string(nil), buckets...),
		prober:  prober,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve returns a signed retrieval URL for an object. The explicit
// bucket hint is tried first, then the configured bucket list in order; a
// missing object in one bucket moves to the next candidate, any other
// probe error is surfaced immediately.
func (r *Resolver) Resolve(ctx context.Context, objPath, bucketHint string, ttl time.Duration) (string, error) {
	objPath = strings.TrimLeft(strings.TrimSpace(objPath), "/")
	if objPath == "" {
		return "", errors.New("attach: empty path")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	candidates := make([]string, 0, len(r.buckets)+1)
	if b := strings.TrimSpace(bucketHint); b != "" {
		candidates = append(candidates, b)
	}
	for _, b := range r.buckets {
		if b != bucketHint {
			candidates = append(candidates, b)
		}
	}

	for _, bucket := range candidates {
		err := r.prober.Stat(ctx, bucket, objPath)
		if err == nil {
			return r.signURL(http.MethodGet, bucket, objPath, ttl), nil
		}
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		return "", fmt.Errorf("probe bucket %s: %w", bucket, err)
	}
	return "", fmt.Errorf("%w: %s", ErrObjectNotFound, objPath)
}

// UploadTarget is a two-phase upload grant: the client PUTs bytes to URL,
// then references Bucket/Path in its message payload.
type UploadTarget struct {
	Bucket    string    `json:"bucket"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignUpload issues an upload target in the given bucket (first configured
// bucket when empty). Object names are ULIDs to keep uploads collision-free
// and time-sortable.
func (r *Resolver) SignUpload(ctx context.Context, bucket, filename, mimeType string, ttl time.Duration) (UploadTarget, error) {
	if err := ctx.Err(); err != nil {
		return UploadTarget{}, err
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = r.buckets[0]
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ext := strings.ToLower(path.Ext(filename))
	objPath := "uploads/" + ulid.Make().String() + ext

	return UploadTarget{
		Bucket:    bucket,
		Path:      objPath,
		URL:       r.signURL(http.MethodPut, bucket, objPath, ttl),
		ExpiresAt: r.now().Add(ttl),
	}, nil
}

// Verify checks a signed URL's signature and expiry. Used by tests and by
// the storage gateway sharing the secret.
func (r *Resolver) Verify(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	verb := q.Get("verb")
	expRaw := q.Get("exp")
	sig := q.Get("sig")
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return errors.New("attach: bad expiry")
	}
	if r.now().Unix() > exp {
		return errors.New("attach: url expired")
	}
	rel := strings.TrimPrefix(u.Path, "/")
	bucket, objPath, ok := strings.Cut(rel, "/")
	if !ok {
		return errors.New("attach: bad object path")
	}
	if !hmac.Equal([]byte(sig), []byte(r.sign(verb, bucket, objPath, exp))) {
		return errors.New("attach: bad signature")
	}
	return nil
}

func (r *Resolver) signURL(verb, bucket, objPath string, ttl time.Duration) string {
	exp := r.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("verb", verb)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", r.sign(verb, bucket, objPath, exp))
	return fmt.Sprintf("%s/%s/%s?%s", r.baseURL, bucket, objPath, q.Encode())
}

func (r *Resolver) sign(verb, bucket, objPath string, exp int64) string {
	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", verb, bucket, objPath, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPProber probes object existence with HEAD requests against the
// storage gateway.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

func (p *HTTPProber) Stat(ctx context.Context, bucket, objPath string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := fmt.Sprintf("%s/%s/%s", strings.TrimRight(p.BaseURL, "/"), bucket, objPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrObjectNotFound
	default:
		return fmt.Errorf("attach: stat %s/%s: status %d", bucket, objPath, resp.StatusCode)
	}
}

var _ ObjectProber = (*HTTPProber)(nil)
