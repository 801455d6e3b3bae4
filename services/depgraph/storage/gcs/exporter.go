// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs uploads rendered dependency graphs and view records to
// Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

// ObjectWriter stores one object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, name, contentType string, data []byte) error
}

// bucketWriter writes objects into a GCS bucket.
type bucketWriter struct {
	bucket *storage.BucketHandle
}

func (b bucketWriter) WriteObject(ctx context.Context, name, contentType string, data []byte) error {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs object %s: %w", name, err)
	}
	return nil
}

// Config describes the upload target.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Formats         []visualization.OutputFormat
}

// Exporter uploads display graphs and view records.
//
// # Thread Safety
//
// Safe for concurrent use.
type Exporter struct {
	writer   ObjectWriter
	client   *storage.Client
	bucket   string
	prefix   string
	formats  []visualization.OutputFormat
	renderer *visualization.Renderer
	logger   *slog.Logger
}

// NewExporter connects to GCS with the service account key in
// cfg.CredentialsFile, or with application default credentials when it is
// empty.
func NewExporter(ctx context.Context, cfg Config, logger *slog.Logger) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	e := NewExporterWithWriter(bucketWriter{bucket: client.Bucket(cfg.Bucket)}, cfg, logger)
	e.client = client
	return e, nil
}

// NewExporterWithWriter creates an exporter over an arbitrary writer.
func NewExporterWithWriter(w ObjectWriter, cfg Config, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = []visualization.OutputFormat{visualization.FormatMermaid}
	}
	return &Exporter{
		writer:   w,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		formats:  formats,
		renderer: visualization.NewRenderer(nil),
		logger:   logger,
	}
}

// Close releases the underlying client.
func (e *Exporter) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *Exporter) object(name string) string {
	if e.prefix == "" {
		return name
	}
	return path.Join(e.prefix, name)
}

// URL returns the gs:// URL of an object returned by Export.
func (e *Exporter) URL(object string) string {
	return fmt.Sprintf("gs://%s/%s", e.bucket, object)
}

// Export renders d in every configured format and uploads each rendering
// as <name>.<format>. It returns the object names written.
func (e *Exporter) Export(ctx context.Context, name string, d *graph.DisplayGraph) ([]string, error) {
	written := make([]string, 0, len(e.formats))
	for _, f := range e.formats {
		data, err := e.renderer.Render(d, f)
		if err != nil {
			return written, err
		}
		obj := e.object(name + "." + string(f))
		if err := e.writer.WriteObject(ctx, obj, f.ContentType(), data); err != nil {
			return written, err
		}
		written = append(written, obj)
	}
	e.logger.Info("exported display graph",
		slog.String("name", name),
		slog.Int("objects", len(written)))
	return written, nil
}

// Save uploads a view record as <session>/<sequence>.json. It implements
// session.Sink.
func (e *Exporter) Save(ctx context.Context, rec session.ViewRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode view %d: %w", rec.Sequence, err)
	}
	obj := e.object(fmt.Sprintf("%s/%020d.json", rec.SessionID, rec.Sequence))
	return e.writer.WriteObject(ctx, obj, visualization.FormatJSON.ContentType(), data)
}
