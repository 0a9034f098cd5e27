package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

func sanitizePathSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	builder.Grow(len(value))
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			builder.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			builder.WriteByte(ch + 32)
		case ch == '-', ch == '_':
			builder.WriteByte(ch)
		}
	}
	return builder.String()
}

func normalizeExtension(ext string) string {
	trimmed := strings.TrimSpace(ext)
	trimmed = strings.TrimPrefix(trimmed, ".")
	if trimmed == "" {
		return "bin"
	}
	return sanitizePathSegment(trimmed)
}

// sanitizeFilename keeps a single safe path element of the form base.ext.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	ext := path.Ext(name)
	base := sanitizeFileBase(strings.TrimSuffix(name, ext))
	if base == "" {
		return ""
	}
	if ext == "" {
		return base
	}
	return base + "." + normalizeExtension(ext)
}

// buildObjectKey returns the storage key for opts. Keys are flat unless a
// category is given.
func buildObjectKey(opts SaveOptions) (string, error) {
	filename := ""
	if strings.TrimSpace(opts.Filename) != "" {
		filename = sanitizeFilename(opts.Filename)
		if filename == "" {
			return "", errors.New("storage: invalid filename")
		}
	} else {
		base := sanitizeFileBase(opts.BaseName)
		if base == "" {
			base = fmt.Sprintf("%d", time.Now().UTC().UnixNano())
		}
		filename = fmt.Sprintf("%s.%s", base, normalizeExtension(opts.Extension))
	}
	if category := sanitizePathSegment(opts.Category); category != "" {
		return path.Join(category, filename), nil
	}
	return filename, nil
}

// cleanKey rejects keys that could escape the storage root.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", errors.New("storage: empty key")
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return cleaned, nil
}

func contentTypeFor(opts SaveOptions, key string) string {
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		return ct
	}
	ext := opts.Extension
	if ext == "" {
		ext = path.Ext(key)
	}
	return detectContentType(ext)
}

func detectContentType(ext string) string {
	normalized := normalizeExtension(ext)
	typeName := mime.TypeByExtension("." + normalized)
	if typeName == "" {
		return "application/octet-stream"
	}
	return typeName
}

func joinPrefix(prefix, key string) string {
	cleanPrefix := trimPrefix(prefix)
	if cleanPrefix == "" {
		return strings.TrimLeft(key, "/")
	}
	return path.Join(cleanPrefix, strings.TrimLeft(key, "/"))
}

func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func sanitizeFileBase(value string) string {
	replaced := strings.ReplaceAll(strings.TrimSpace(value), " ", "-")
	sanitized := sanitizePathSegment(replaced)
	return strings.Trim(sanitized, "-_")
}

// publicURL joins a public base address and an object key.
func publicURL(base, key string) string {
	key = strings.TrimLeft(key, "/")
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "/" + key
	}
	return base + "/" + key
}

// objectKeyFor 校验负载并返回带前缀的远端对象键
func objectKeyFor(ctx context.Context, data []byte, opts SaveOptions, prefix string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty payload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := buildObjectKey(opts)
	if err != nil {
		return "", err
	}
	return joinPrefix(prefix, key), nil
}
