package cache

import (
	"bytes"
	"strings"

	"github.com/edgecache/edged/internal/httpx"
)

// Vary blobs record, for one stored object, which request headers it
// varies on and the values the fetching request carried. Layout: for each
// header, "Name: value\n"; the blob ends with a single 0 byte.

// VaryCreate builds the vary blob for a backend response against the
// request that fetched it. Returns nil when the response has no Vary
// header. A "Vary: *" response yields an unmatchable blob.
func VaryCreate(beresp, req *httpx.HdrSet) []byte {
	spec := beresp.Get("Vary")
	if spec == "" {
		return nil
	}
	var b bytes.Buffer
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "*" {
			b.WriteString("*: *\n")
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		if req != nil {
			b.WriteString(req.Get(name))
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return nil
	}
	b.WriteByte(0)
	return b.Bytes()
}

// VaryValidate panics if the blob is malformed. Stored blobs are always
// validated before publication.
func VaryValidate(blob []byte) {
	if len(blob) == 0 {
		return
	}
	if blob[len(blob)-1] != 0 {
		panic("cache: vary blob missing terminator")
	}
	for _, line := range bytes.Split(blob[:len(blob)-1], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !bytes.Contains(line, []byte(": ")) {
			panic("cache: malformed vary line")
		}
	}
}

// varyHeaderNames lists the header names a blob varies on.
func varyHeaderNames(blob []byte) []string {
	if len(blob) == 0 {
		return nil
	}
	var names []string
	for _, line := range bytes.Split(blob[:len(blob)-1], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		name, _, _ := strings.Cut(string(line), ": ")
		if name != "" && name != "*" {
			names = append(names, name)
		}
	}
	return names
}

// VaryMatch reports whether the request would produce the same vary blob
// the object was stored with.
func VaryMatch(blob []byte, req *httpx.HdrSet) bool {
	if len(blob) == 0 {
		return true
	}
	VaryValidate(blob)
	for _, line := range bytes.Split(blob[:len(blob)-1], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		name, want, _ := strings.Cut(string(line), ": ")
		if name == "*" {
			return false
		}
		if req.Get(name) != want {
			return false
		}
	}
	return true
}
