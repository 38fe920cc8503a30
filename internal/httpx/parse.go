package httpx

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// DissectRequest parses a buffered request head. The return code is 0 on
// success, 400 for garbage that does not parse (close the connection), or
// another 4xx that should be answered with a synthesized error.
func DissectRequest(head []byte, maxHdr int) (*HdrSet, int) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, 400
	}
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, 400
	}
	url, proto, ok := strings.Cut(rest, " ")
	if !ok || url == "" {
		return nil, 400
	}
	protover := 0
	switch proto {
	case "HTTP/1.1":
		protover = 11
	case "HTTP/1.0":
		protover = 10
	default:
		return nil, 400
	}
	for _, r := range method {
		if r <= ' ' || r >= 0x7f {
			return nil, 400
		}
	}
	mimeHdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, 400
	}
	req := &HdrSet{
		Method:   method,
		URL:      url,
		Proto:    proto,
		Protover: protover,
		Hdr:      http.Header(mimeHdr),
	}
	nhdr := 0
	for _, vv := range mimeHdr {
		nhdr += len(vv)
	}
	if maxHdr > 0 && nhdr > maxHdr {
		// still parsed well enough to answer with a synthesized error
		return req, 413
	}
	return req, 0
}

// ReadResponseHead parses a backend status line plus headers from br.
func ReadResponseHead(br *bufio.Reader) (*HdrSet, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	protover := 0
	switch proto {
	case "HTTP/1.1":
		protover = 11
	case "HTTP/1.0":
		protover = 10
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	statusStr, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(statusStr)
	if err != nil || status < 100 || status > 999 {
		return nil, fmt.Errorf("malformed status %q", statusStr)
	}
	mimeHdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	return &HdrSet{
		Status:   status,
		Reason:   reason,
		Proto:    proto,
		Protover: protover,
		Hdr:      http.Header(mimeHdr),
	}, nil
}

// WriteHead serializes a message head in wire format.
func WriteHead(w *bufio.Writer, h *HdrSet) error {
	if h.Method != "" {
		fmt.Fprintf(w, "%s %s %s\r\n", h.Method, h.URL, h.Proto)
	} else {
		reason := h.Reason
		if reason == "" {
			reason = StatusMessage(h.Status)
		}
		fmt.Fprintf(w, "%s %d %s\r\n", h.Proto, h.Status, reason)
	}
	for k, vv := range h.Hdr {
		for _, v := range vv {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
