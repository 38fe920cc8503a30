package httpx

import (
	"net/http"
	"strings"
)

// HdrSet is one HTTP message head: request line or status line plus
// headers. The same type is used for the client request, the restart
// baseline, the backend request, the backend response and the client
// response.
type HdrSet struct {
	// Request side
	Method string
	URL    string

	// Response side
	Status int
	Reason string

	Proto    string
	Protover int // 10 or 11
	Hdr      http.Header
}

func NewHdrSet() *HdrSet {
	return &HdrSet{Hdr: make(http.Header), Proto: "HTTP/1.1", Protover: 11}
}

// Copy returns a deep copy. Used to snapshot the original request as the
// restart baseline.
func (h *HdrSet) Copy() *HdrSet {
	dup := &HdrSet{
		Method:   h.Method,
		URL:      h.URL,
		Status:   h.Status,
		Reason:   h.Reason,
		Proto:    h.Proto,
		Protover: h.Protover,
		Hdr:      make(http.Header, len(h.Hdr)),
	}
	for k, vv := range h.Hdr {
		dup.Hdr[k] = append([]string(nil), vv...)
	}
	return dup
}

func (h *HdrSet) Get(name string) string    { return h.Hdr.Get(name) }
func (h *HdrSet) Set(name, value string)    { h.Hdr.Set(name, value) }
func (h *HdrSet) Del(name string)           { h.Hdr.Del(name) }
func (h *HdrSet) Has(name string) bool      { return len(h.Hdr.Values(name)) > 0 }
func (h *HdrSet) Is(name, val string) bool  { return strings.EqualFold(h.Get(name), val) }

// CollectHdr folds multiple instances of a header into a single
// comma-joined line, so downstream consumers see one value.
func (h *HdrSet) CollectHdr(name string) {
	vv := h.Hdr.Values(name)
	if len(vv) <= 1 {
		return
	}
	h.Hdr.Set(name, strings.Join(vv, ", "))
}

// ForceGet rewrites the method to GET. Backend requests for cacheable
// fetches are always GET.
func (h *HdrSet) ForceGet() {
	h.Method = http.MethodGet
}

// DoConnection decides the connection fate from the request head. Returns
// the close reason, or "" to keep the connection alive.
func (h *HdrSet) DoConnection() string {
	conn := strings.ToLower(h.Get("Connection"))
	if h.Protover < 11 {
		if !strings.Contains(conn, "keep-alive") {
			return "not HTTP/1.1"
		}
		return ""
	}
	if strings.Contains(conn, "close") {
		return "Connection: close"
	}
	return ""
}

// =============================================================================
// Header filtering
// =============================================================================

// Filter selects the header class applied when building a backend request
// or storing a backend response.
type Filter int

const (
	FilterFetch Filter = iota // client req -> bereq for a cacheable fetch
	FilterPass                // client req -> bereq for pass
	FilterPipe                // client req -> bereq for pipe
	FilterStore               // beresp -> stored object headers
)

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Conditional and range headers never reach the backend on a cacheable
// fetch: the cache answers those itself from the stored object.
var fetchOnly = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Content-Length",
	"Expect",
}

func (f Filter) drops() []string {
	switch f {
	case FilterFetch:
		return append(append([]string(nil), hopByHop...), fetchOnly...)
	case FilterPass:
		return append(append([]string(nil), hopByHop...), "Expect")
	case FilterPipe:
		return append(append([]string(nil), hopByHop...), "Expect")
	case FilterStore:
		// the delivery path regenerates length framing
		return append(append([]string(nil), hopByHop...),
			"Content-Length", "Content-Range")
	default:
		return hopByHop
	}
}

// FilterInto copies src into dst applying the filter class.
func FilterInto(dst, src *HdrSet, f Filter) {
	dst.Method = src.Method
	dst.URL = src.URL
	dst.Status = src.Status
	dst.Reason = src.Reason
	dst.Proto = src.Proto
	dst.Protover = src.Protover
	dst.Hdr = make(http.Header, len(src.Hdr))
	for k, vv := range src.Hdr {
		dst.Hdr[k] = append([]string(nil), vv...)
	}
	for _, name := range f.drops() {
		dst.Hdr.Del(name)
	}
}

// EstimateWS estimates the byte and header-count budget needed to hold the
// filtered head. Mirrors the storage sizing done before object allocation.
func EstimateWS(h *HdrSet, f Filter) (int, int) {
	drops := f.drops()
	dropped := make(map[string]bool, len(drops))
	for _, name := range drops {
		dropped[http.CanonicalHeaderKey(name)] = true
	}
	bytes := len(h.Proto) + len(h.Method) + len(h.URL) + len(h.Reason) + 16
	nhdr := 1 // the request/status line
	for k, vv := range h.Hdr {
		if dropped[k] {
			continue
		}
		for _, v := range vv {
			bytes += len(k) + len(v) + 4
			nhdr++
		}
	}
	return bytes, nhdr
}

// =============================================================================
// Status messages
// =============================================================================

// StatusMessage returns the default reason phrase for a status code.
func StatusMessage(code int) string {
	if msg := http.StatusText(code); msg != "" {
		return msg
	}
	return "Unknown Error"
}
