package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kilnd/internal/image"
	"github.com/kilnhq/kilnd/internal/layer"
)

const manifestAccept = ocispec.MediaTypeImageManifest + ", application/vnd.docker.distribution.manifest.v2+json"

// Client settings. The zero value gives sane defaults.
type Options struct {
	Insecure    bool         // Use plain HTTP instead of HTTPS.
	Concurrency int          // Concurrent blob transfers per operation. Default 3.
	MaxTries    uint         // Attempts per transfer before giving up. Default 4.
	HTTPClient  *http.Client // Default http.DefaultClient.
}

// Pulls and pushes images against OCI distribution registries.
type Client struct {
	layers *layer.Store
	images *image.Store
	opts   Options
}

// Result of a pull. LayersFetched counts layer blobs actually transferred;
// layers already present locally are skipped.
type PullSummary struct {
	Image         *image.Image
	LayersFetched int
}

// Result of a push. BlobsUploaded counts config and layer blobs the remote
// was missing.
type PushSummary struct {
	BlobsUploaded int
}

// Creates a registry client backed by the local stores.
func NewClient(layers *layer.Store, images *image.Store, opts Options) *Client {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 4
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Client{layers: layers, images: images, opts: opts}
}

// Fetches an image and stores it locally.
//
// The manifest is fetched first; only layers absent from the layer store
// are transferred, concurrently and digest-verified, each all-or-nothing.
// The image becomes visible in the image store only after every layer is
// present.
func (c *Client) Pull(ctx context.Context, ref string) (PullSummary, error) {
	loc, err := c.parseRef(ref)
	if err != nil {
		return PullSummary{}, err
	}

	rawManifest, err := c.fetchManifest(ctx, loc)
	if err != nil {
		return PullSummary{}, err
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return PullSummary{}, fmt.Errorf("%w: decoding manifest: %w", ErrTransfer, err)
	}

	rawConfig, err := c.fetchBlob(ctx, loc, manifest.Config.Digest)
	if err != nil {
		return PullSummary{}, err
	}

	var fetched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, desc := range manifest.Layers {
		if c.layers.Exists(desc.Digest) {
			continue
		}
		g.Go(func() error {
			if err := c.fetchLayer(gctx, loc, desc.Digest); err != nil {
				return err
			}
			fetched.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PullSummary{}, err
	}

	img, err := c.images.SaveRaw(rawManifest, rawConfig)
	if err != nil {
		return PullSummary{}, err
	}

	slog.Info("image pulled", "ref", ref, "digest", img.Digest, "fetched", fetched.Load())
	return PullSummary{Image: img, LayersFetched: int(fetched.Load())}, nil
}

// Uploads an image to the registry under the given reference.
//
// Config and layer blobs are offered with a HEAD probe first and uploaded
// only when missing; the manifest goes last so the remote image only
// becomes referencable once complete.
func (c *Client) Push(ctx context.Context, ref string, imageDigest digest.Digest) (PushSummary, error) {
	loc, err := c.parseRef(ref)
	if err != nil {
		return PushSummary{}, err
	}

	img, err := c.images.Get(imageDigest)
	if err != nil {
		return PushSummary{}, err
	}

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	g.Go(func() error {
		n, err := c.offerBlob(gctx, loc, img.Manifest.Config.Digest, func() (io.ReadCloser, int64, error) {
			return io.NopCloser(bytes.NewReader(img.RawConfig)), int64(len(img.RawConfig)), nil
		})
		uploaded.Add(n)
		return err
	})
	for _, desc := range img.Manifest.Layers {
		g.Go(func() error {
			n, err := c.offerBlob(gctx, loc, desc.Digest, func() (io.ReadCloser, int64, error) {
				rc, err := c.layers.Open(desc.Digest)
				return rc, desc.Size, err
			})
			uploaded.Add(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PushSummary{}, err
	}

	if err := c.putManifest(ctx, loc, img.RawManifest); err != nil {
		return PushSummary{}, err
	}

	slog.Info("image pushed", "ref", ref, "digest", img.Digest, "uploaded", uploaded.Load())
	return PushSummary{BlobsUploaded: int(uploaded.Load())}, nil
}

// A parsed reference: registry endpoint, repository, and tag or digest.
type location struct {
	base string // Scheme and host, no trailing slash.
	repo string
	ref  string // Tag or digest string.
}

func (l location) manifestURL() string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", l.base, l.repo, l.ref)
}

func (l location) blobURL(dgst digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", l.base, l.repo, dgst)
}

func (l location) uploadURL() string {
	return fmt.Sprintf("%s/v2/%s/blobs/uploads/", l.base, l.repo)
}

func (c *Client) parseRef(ref string) (location, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return location{}, fmt.Errorf("%w: %q: %w", ErrReference, ref, err)
	}
	named = reference.TagNameOnly(named)

	scheme := "https://"
	if c.opts.Insecure {
		scheme = "http://"
	}
	loc := location{
		base: scheme + reference.Domain(named),
		repo: reference.Path(named),
	}
	switch r := named.(type) {
	case reference.Tagged:
		loc.ref = r.Tag()
	case reference.Digested:
		loc.ref = r.Digest().String()
	default:
		return location{}, fmt.Errorf("%w: %q names neither tag nor digest", ErrReference, ref)
	}
	return loc, nil
}

// Fetches the raw manifest bytes.
func (c *Client) fetchManifest(ctx context.Context, loc location) ([]byte, error) {
	return retryOp(ctx, c, "manifest "+loc.ref, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.manifestURL(), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", manifestAccept)

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return nil, err
		}
		return io.ReadAll(resp.Body)
	})
}

// Fetches a small blob fully into memory. Used for configs.
func (c *Client) fetchBlob(ctx context.Context, loc location, dgst digest.Digest) ([]byte, error) {
	return retryOp(ctx, c, "blob "+dgst.String(), func() ([]byte, error) {
		resp, err := c.get(ctx, loc.blobURL(dgst))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return nil, err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if digest.FromBytes(data) != dgst {
			return nil, fmt.Errorf("blob %s: digest mismatch", dgst)
		}
		return data, nil
	})
}

// Streams a layer blob into the layer store.
//
// The store verifies the digest while writing and discards the blob on
// mismatch, so a failed attempt never becomes visible. Retries re-fetch
// from scratch.
func (c *Client) fetchLayer(ctx context.Context, loc location, dgst digest.Digest) error {
	_, err := retryOp(ctx, c, "layer "+dgst.String(), func() (int64, error) {
		resp, err := c.get(ctx, loc.blobURL(dgst))
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return 0, err
		}
		return c.layers.PutCompressed(resp.Body, dgst)
	})
	return err
}

// Uploads a blob unless the remote already has it. Returns 1 when an
// upload happened.
func (c *Client) offerBlob(ctx context.Context, loc location, dgst digest.Digest, open func() (io.ReadCloser, int64, error)) (int64, error) {
	return retryOp(ctx, c, "upload "+dgst.String(), func() (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, loc.blobURL(dgst), nil)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return 0, nil
		}
		if resp.StatusCode != http.StatusNotFound {
			return 0, statusErr(resp)
		}

		if err := c.uploadBlob(ctx, loc, dgst, open); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

// Monolithic blob upload: start a session, then PUT the bytes.
func (c *Client) uploadBlob(ctx context.Context, loc location, dgst digest.Digest, open func() (io.ReadCloser, int64, error)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loc.uploadURL(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return err
	}

	target, err := uploadTarget(loc, resp.Header.Get("Location"), dgst)
	if err != nil {
		return backoff.Permanent(err)
	}

	body, size, err := open()
	if err != nil {
		return backoff.Permanent(err)
	}
	defer body.Close()

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	put.ContentLength = size
	put.Header.Set("Content-Type", "application/octet-stream")

	resp, err = c.opts.HTTPClient.Do(put)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return checkStatus(resp, http.StatusCreated)
}

// Publishes the manifest under the reference's tag.
func (c *Client) putManifest(ctx context.Context, loc location, rawManifest []byte) error {
	_, err := retryOp(ctx, c, "manifest "+loc.ref, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, loc.manifestURL(), bytes.NewReader(rawManifest))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", ocispec.MediaTypeImageManifest)

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		return struct{}{}, checkStatus(resp, http.StatusCreated)
	})
	return err
}

// Runs op with exponential backoff. HTTP 4xx responses and local failures
// are permanent; everything else retries until the attempt budget runs
// out, which surfaces as [ErrTransfer].
func retryOp[T any](ctx context.Context, c *Client, what string, op func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			slog.Debug("transfer attempt failed", "what", what, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.opts.MaxTries))
	if err != nil {
		return result, fmt.Errorf("%w: %s: %w", ErrTransfer, what, err)
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return c.opts.HTTPClient.Do(req)
}

// Resolves the upload session Location and appends the digest parameter.
func uploadTarget(loc location, session string, dgst digest.Digest) (string, error) {
	if session == "" {
		return "", fmt.Errorf("upload session missing Location header")
	}

	base, err := url.Parse(loc.base)
	if err != nil {
		return "", err
	}
	target, err := base.Parse(session)
	if err != nil {
		return "", err
	}

	q := target.Query()
	q.Set("digest", dgst.String())
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// Unexpected statuses are errors; 4xx responses do not retry.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	return statusErr(resp)
}

func statusErr(resp *http.Response) error {
	err := fmt.Errorf("%s %s: unexpected status %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}
