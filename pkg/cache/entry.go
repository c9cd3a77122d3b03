package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is a captured response: status, headers and body as they were when stored.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Item pairs a request identity with the response stored for it.
type Item struct {
	Method string
	URL    string
	Entry  Entry
}

func NewEntry(status int, header http.Header, body []byte) Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Content-Length")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     bytes.Clone(body),
		StoredAt: time.Now(),
	}
}

// Response rebuilds an *http.Response for req. Each call returns an independent body.
func (e Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// RequestKey is the identity of a request within a generation.
func RequestKey(method, url string) string {
	return method + " " + url
}
