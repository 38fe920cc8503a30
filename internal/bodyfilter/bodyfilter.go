// Package bodyfilter implements the fetch-side body transforms: the body
// bytes coming off the backend connection pass through exactly one filter
// on their way into the object store.
package bodyfilter

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/edgecache/edged/internal/cache"
)

// Filter transforms a fetched body.
type Filter interface {
	Run(dst io.Writer, src io.Reader) error
}

// New returns the filter implementation for a negotiated filter choice.
func New(f cache.BodyFilter) Filter {
	switch f {
	case cache.FilterGzip:
		return gzipFilter{}
	case cache.FilterGunzip:
		return gunzipFilter{}
	case cache.FilterTestGzip:
		return testGzipFilter{}
	case cache.FilterESI:
		return NewESIFilter()
	default:
		return passthroughFilter{}
	}
}

type passthroughFilter struct{}

func (passthroughFilter) Run(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// gzipFilter compresses a plain backend body for gzipped storage.
type gzipFilter struct{}

func (gzipFilter) Run(dst io.Writer, src io.Reader) error {
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return fmt.Errorf("gzip filter: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip filter: %w", err)
	}
	return nil
}

// gunzipFilter decompresses a gzipped backend body for plain storage.
type gunzipFilter struct{}

func (gunzipFilter) Run(dst io.Writer, src io.Reader) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("gunzip filter: %w", err)
	}
	if _, err := io.Copy(dst, gz); err != nil {
		return fmt.Errorf("gunzip filter: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gunzip filter: %w", err)
	}
	return nil
}

// testGzipFilter stores the gzipped bytes unchanged while verifying that
// they decode. A backend lying about Content-Encoding fails the fetch
// instead of poisoning the cache.
type testGzipFilter struct{}

func (testGzipFilter) Run(dst io.Writer, src io.Reader) error {
	tee := io.TeeReader(src, dst)
	gz, err := gzip.NewReader(tee)
	if err != nil {
		return fmt.Errorf("testgzip filter: %w", err)
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return fmt.Errorf("testgzip filter: body does not decode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("testgzip filter: %w", err)
	}
	return nil
}
