package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// MetadataHandler is a slog.Handler that adds static process metadata, and CI
// environment metadata when running under CI, to every log record.
type MetadataHandler struct {
	handler slog.Handler
	attrs   []slog.Attr
}

// NewMetadataHandler wraps a JSON handler writing to out.
func NewMetadataHandler(out io.Writer, opts *slog.HandlerOptions, static map[string]string) *MetadataHandler {
	var handlerOpts slog.HandlerOptions
	if opts != nil {
		handlerOpts = *opts
	}

	meta := make(map[string]string, len(static))
	for k, v := range static {
		if v != "" {
			meta[k] = v
		}
	}
	for k, v := range ciMetadata() {
		meta[k] = v
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, meta[k]))
	}

	return &MetadataHandler{
		handler: slog.NewJSONHandler(out, &handlerOpts),
		attrs:   attrs,
	}
}

// Enabled implements the slog.Handler interface.
func (h *MetadataHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs implements the slog.Handler interface.
func (h *MetadataHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MetadataHandler{handler: h.handler.WithAttrs(attrs), attrs: h.attrs}
}

// WithGroup implements the slog.Handler interface.
func (h *MetadataHandler) WithGroup(name string) slog.Handler {
	return &MetadataHandler{handler: h.handler.WithGroup(name), attrs: h.attrs}
}

// Handle implements the slog.Handler interface.
func (h *MetadataHandler) Handle(ctx context.Context, record slog.Record) error {
	enhanced := record.Clone()
	enhanced.AddAttrs(h.attrs...)
	return h.handler.Handle(ctx, enhanced)
}

func ciMetadata() map[string]string {
	meta := map[string]string{}
	if os.Getenv("CI") == "" && os.Getenv("GITHUB_ACTIONS") == "" {
		return meta
	}
	meta["ci"] = "true"
	for env, key := range map[string]string{
		"GITHUB_WORKFLOW": "ci_workflow",
		"GITHUB_RUN_ID":   "ci_run_id",
		"GITHUB_SHA":      "ci_commit",
		"GITHUB_REF_NAME": "ci_branch",
	} {
		if v := os.Getenv(env); v != "" {
			meta[key] = v
		}
	}
	return meta
}
