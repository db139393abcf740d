package httpcore

import (
	"strconv"
	"strings"
	"time"

	"github.com/nplex/userver/stream"
)

const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// SetStatus sets the response status code, clearing any custom reason
// phrase so Send falls back to the standard one.
func (r *Request) SetStatus(code int) {
	r.statusCode = code
	r.statusMessage = ""
}

// SetStatusMessage sets the response status code and a custom reason
// phrase.
func (r *Request) SetStatusMessage(code int, message string) {
	r.statusCode = code
	r.statusMessage = message
}

// Status returns the response status code last set by SetStatus.
func (r *Request) Status() int { return r.statusCode }

// SetContentType is shorthand for Set("Content-Type", contentType).
func (r *Request) SetContentType(contentType string) {
	r.Set("Content-Type", contentType)
}

// Set appends a response header, tracking the structural flags Send
// needs to decide body encoding.
func (r *Request) Set(key, value string) {
	switch {
	case strings.EqualFold(key, "Content-Type"):
		r.hasContentType = true
	case strings.EqualFold(key, "Content-Length"):
		r.hasContentLen = true
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			r.contentLength = n
		}
	case strings.EqualFold(key, "Date"):
		r.hasDate = true
	case strings.EqualFold(key, "Transfer-Encoding"):
		r.hasTransferEnc = true
		if strings.EqualFold(value, "chunked") {
			r.hasChunked = true
		}
	case strings.EqualFold(key, "Connection"):
		r.hasConnection = true
		if strings.EqualFold(value, "close") {
			r.enableKeepAlive = false
		}
	case strings.EqualFold(key, "Last-Modified") || strings.EqualFold(key, "ETag"):
		r.hasLastModified = true
	}
	r.respHeader.Add(key, value)
}

// SetContentLength is shorthand for Set("Content-Length", n).
func (r *Request) SetContentLength(n int64) {
	r.Set("Content-Length", strconv.FormatInt(n, 10))
}

// ResponseSent reports whether Send has already written the status
// line and headers.
func (r *Request) ResponseSent() bool { return r.responseSent }

// Send decides the body encoding, writes the status line and headers,
// and returns the writer the handler should use for the body:
// length-limited (Content-Length known), chunked (keep-alive, no
// length), raw (connection will close), or empty (204/304/HEAD).
func (r *Request) Send() BodyWriter {
	if r.hasBody && !r.bodyConsumed {
		// handler never read the body: drain it so request framing on a
		// kept-alive connection stays intact.
		body := r.Body()
		for {
			view, err := body.Read()
			if err != nil || len(view) == 0 {
				break
			}
		}
	}

	noContent := r.statusCode < 200 || r.statusCode == 204 || r.statusCode == 304 || r.Method == "HEAD"
	if !noContent {
		if !r.hasContentType {
			r.Set("Content-Type", "application/octet-stream")
		}
		if !r.hasTransferEnc && !r.hasContentLen {
			if r.enableKeepAlive {
				r.Set("Transfer-Encoding", "chunked")
			} else if r.hasConnection {
				r.Set("Connection", "close")
			}
		}
	}
	if !r.hasConnection && !r.enableKeepAlive {
		r.Set("Connection", "close")
	}
	if !r.hasDate {
		r.Set("Date", time.Now().UTC().Format(dateFormat))
	}

	version := r.Version
	if version == "" {
		// request line never parsed; synthesized error responses still
		// need a well-formed status line.
		version = "HTTP/1.0"
	}
	r.stream.Write([]byte(formatStatusLine(version, r.statusCode, r.statusMessage)))
	r.respHeader.Each(func(key, value string) {
		r.stream.Write([]byte(key + ": " + value + "\r\n"))
	})
	r.stream.Write([]byte("\r\n"))
	r.responseSent = true

	switch {
	case noContent:
		return stream.NewLimitedStream(r.stream, 0, 0)
	case r.hasChunked:
		return stream.NewChunkedStream(r.stream)
	case r.hasContentLen:
		return stream.NewLimitedStream(r.stream, 0, r.contentLength)
	default:
		return r.stream
	}
}

// SendBody sets Content-Length to len(body) (unless already set), sends
// the headers, and writes body in one call.
func (r *Request) SendBody(body []byte) {
	if !r.hasContentLen {
		r.SetContentLength(int64(len(body)))
	}
	w := r.Send()
	w.Write(body)
	w.CloseOutput()
}

// sendErrorPage synthesizes a minimal XHTML error body for code, e.g.
// the 400/204 the server loop sends when a request is destroyed
// without a handler-sent response.
func (r *Request) sendErrorPage(code int) {
	r.sendErrorPageDescribed(code, "")
}

func (r *Request) sendErrorPageDescribed(code int, description string) {
	msg := StatusText(code)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.0 Transitional//EN" "http://www.w3.org/TR/xhtml1/DTD/xhtml1-transitional.dtd">`)
	b.WriteString(`<html xmlns="http://www.w3.org/1999/xhtml"><head><title>`)
	b.WriteString(strconv.Itoa(code))
	b.WriteString(" ")
	b.WriteString(msg)
	b.WriteString(`</title></head><body><h1>`)
	b.WriteString(strconv.Itoa(code))
	b.WriteString(" ")
	b.WriteString(msg)
	b.WriteString(`</h1><p><![CDATA[`)
	b.WriteString(description)
	b.WriteString(`]]></p></body></html>`)

	r.SetContentType("application/xhtml+xml")
	r.SetStatus(code)
	r.SendBody([]byte(b.String()))
}

// Close finalizes the request: if the handler never sent a response, a
// 400 (invalid request) or 204 (valid but unhandled) is synthesized
// with Connection: close. Returns whether the connection should be kept alive for the
// next request on this stream.
func (r *Request) Close() bool {
	if r.detached {
		return false
	}
	if !r.responseSent {
		r.Set("Connection", "close")
		r.enableKeepAlive = false
		if !r.valid {
			r.sendErrorPage(400)
		} else {
			r.sendErrorPage(204)
		}
	}
	r.stream.Flush()
	return r.enableKeepAlive
}
