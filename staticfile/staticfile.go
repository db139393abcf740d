// Package staticfile is the static-file collaborator: it serves files
// below a document root through the httpcore request/response surface,
// with mtime-derived ETags, If-None-Match revalidation, and a fixed
// extension-to-Content-Type table.
package staticfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nplex/userver/httpcore"
)

// mimeTypes maps lower-cased filename extensions (without the dot) to
// the Content-Type sent for them. Anything else falls back to
// application/octet-stream.
var mimeTypes = map[string]string{
	"txt":  "text/plain",
	"htm":  "text/html",
	"html": "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",

	"png":  "image/png",
	"jpe":  "image/jpeg",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"ico":  "image/vnd.microsoft.icon",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"svg":  "image/svg+xml",
	"svgz": "image/svg+xml",

	"zip": "application/zip",
	"rar": "application/x-rar-compressed",

	"mp3": "audio/mpeg",
	"qt":  "video/quicktime",
	"mov": "video/quicktime",

	"pdf": "application/pdf",
	"ps":  "application/postscript",
	"eps": "application/postscript",

	"doc": "application/msword",
	"rtf": "application/rtf",
	"xls": "application/vnd.ms-excel",
	"ppt": "application/vnd.ms-powerpoint",

	"odt": "application/vnd.oasis.opendocument.text",
	"ods": "application/vnd.oasis.opendocument.spreadsheet",
}

// ContentTypeByExt returns the Content-Type for a filename based on its
// extension.
func ContentTypeByExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// etagFor derives the ETag from a file's modification time, hex-encoded
// and quoted.
func etagFor(info os.FileInfo) string {
	const hexDigits = "0123456789ABCDEF"
	t := uint64(info.ModTime().UnixNano())
	b := make([]byte, 0, 18)
	b = append(b, '"')
	for shift := 60; shift >= 0; shift -= 4 {
		b = append(b, hexDigits[(t>>shift)&0xF])
	}
	b = append(b, '"')
	return string(b)
}

// matchesETag walks a comma-separated If-None-Match list looking for
// tag.
func matchesETag(headerValue, tag string) bool {
	for len(headerValue) > 0 {
		var tok string
		if idx := strings.IndexByte(headerValue, ','); idx >= 0 {
			tok, headerValue = headerValue[:idx], headerValue[idx+1:]
		} else {
			tok, headerValue = headerValue, ""
		}
		if strings.TrimSpace(tok) == tag {
			return true
		}
	}
	return false
}

// SendFile streams the file at path as the response to req. It computes
// an ETag from the file's modification time and answers a matching
// If-None-Match with 304. An empty file yields 204. Returns false
// (nothing sent) when the file cannot be opened, so the caller can fall
// through to its 404 path.
func SendFile(req *httpcore.Request, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	tag := etagFor(info)
	if inm, ok := req.Header.Get("If-None-Match"); ok && matchesETag(inm, tag) {
		req.SetStatus(304)
		req.Send().CloseOutput()
		return true
	}
	req.Set("ETag", tag)

	size := info.Size()
	if size == 0 {
		req.SetStatus(204)
		req.Send().CloseOutput()
		return true
	}

	req.SetContentType(ContentTypeByExt(path))
	req.SetContentLength(size)
	out := req.Send()
	buf := make([]byte, 4096)
	for size > 0 {
		n, err := f.Read(buf)
		if n > 0 {
			if !out.Write(buf[:n]) {
				return true
			}
			size -= int64(n)
		}
		if err != nil {
			break
		}
	}
	out.CloseOutput()
	return true
}

// Config parameterizes a directory handler.
type Config struct {
	Root      string // document root; served paths never escape it
	IndexFile string // served for directory paths; default "index.html"
}

// Handler serves files below cfg.Root as an httpcore.Handler. Path
// segments are percent-decoded; "." and ".." segments are resolved
// before the root check so requests cannot escape the document root.
func Handler(cfg Config) httpcore.Handler {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.html"
	}
	root := filepath.Clean(cfg.Root)
	return func(req *httpcore.Request, path string) bool {
		if path == "" || path[0] != '/' {
			return false
		}
		if q := strings.IndexByte(path, '?'); q >= 0 {
			path = path[:q]
		}

		fsPath := root
		for _, seg := range strings.Split(path[1:], "/") {
			seg = httpcore.URLDecode(seg)
			switch seg {
			case "", ".":
				continue
			case "..":
				fsPath = filepath.Dir(fsPath)
			default:
				fsPath = filepath.Join(fsPath, seg)
			}
		}
		if info, err := os.Stat(fsPath); err == nil && info.IsDir() {
			fsPath = filepath.Join(fsPath, cfg.IndexFile)
		}
		if fsPath != root && !strings.HasPrefix(fsPath, root+string(filepath.Separator)) {
			return false
		}
		return SendFile(req, fsPath)
	}
}
