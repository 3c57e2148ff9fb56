// Package ehr is the connector layer: one capability interface that every EHR
// vendor integration implements, plus the shared SMART on FHIR client, vendor
// profiles, rate limiting and the error taxonomy.
package ehr

import (
	"bufio"
	"context"
	"io"
)

// Connector is anything that can authorize against, read from and bulk
// export out of a vendor FHIR API.
type Connector interface {
	Provider() Provider
	BuildAuthorizationURL(params AuthorizationParams) (string, error)
	ExchangeCodeForToken(ctx context.Context, code, verifier string) (*TokenSet, error)
	FetchResource(ctx context.Context, resourceType, resourceID string, token *TokenSet) (*RawResource, error)
	InitiateBulkExport(ctx context.Context, params BulkExportParams, token *TokenSet) (*BulkExportJob, error)
	PollBulkExportStatus(ctx context.Context, job *BulkExportJob, token *TokenSet) (*BulkExportJob, error)
	DownloadBulkExportFiles(ctx context.Context, job *BulkExportJob, token *TokenSet) (ResourceStream, error)
}

// TokenRefresher is implemented by connectors whose vendor issues refresh
// tokens.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, token *TokenSet) (*TokenSet, error)
}

// ResourcePusher is implemented by connectors that can write resources back
// to the vendor.
type ResourcePusher interface {
	PushResource(ctx context.Context, resource *RawResource, token *TokenSet) error
}

// ResourceStream is a lazy, finite, non-restartable sequence of resources.
// Next returns io.EOF once the sequence is exhausted.
type ResourceStream interface {
	Next(ctx context.Context) (*RawResource, error)
	Close() error
}

// sliceStream serves resources that are already in memory.
type sliceStream struct {
	items []*RawResource
	pos   int
}

// NewSliceStream wraps an in-memory slice as a ResourceStream.
func NewSliceStream(items []*RawResource) ResourceStream {
	return &sliceStream{items: items}
}

func (s *sliceStream) Next(ctx context.Context) (*RawResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	r := s.items[s.pos]
	s.pos++
	return r, nil
}

func (s *sliceStream) Close() error { return nil }

// maxNDJSONLine bounds a single resource line.
const maxNDJSONLine = 16 << 20

// ndjsonStream reads newline delimited resources from a sequence of files,
// opening each file only when the previous one is exhausted.
type ndjsonStream struct {
	provider Provider
	files    []ExportFile
	open     func(ctx context.Context, f ExportFile) (io.ReadCloser, error)

	idx     int
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newNDJSONStream(provider Provider, files []ExportFile, open func(ctx context.Context, f ExportFile) (io.ReadCloser, error)) *ndjsonStream {
	return &ndjsonStream{provider: provider, files: files, open: open}
}

func (s *ndjsonStream) Next(ctx context.Context) (*RawResource, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.scanner == nil {
			if s.idx >= len(s.files) {
				s.done = true
				return nil, io.EOF
			}
			body, err := s.open(ctx, s.files[s.idx])
			if err != nil {
				return nil, err
			}
			s.body = body
			s.scanner = bufio.NewScanner(body)
			s.scanner.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)
		}
		if s.scanner.Scan() {
			line := s.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			r, err := ParseRawResource(line)
			if err != nil {
				return nil, UpstreamError(s.provider, "download_bulk_export", "file %s: %v", s.files[s.idx].URL, err)
			}
			return r, nil
		}
		err := s.scanner.Err()
		s.closeCurrent()
		if err != nil {
			return nil, UpstreamError(s.provider, "download_bulk_export", "read %s: %v", s.files[s.idx-1].URL, err)
		}
	}
}

func (s *ndjsonStream) closeCurrent() {
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
	s.scanner = nil
	s.idx++
}

func (s *ndjsonStream) Close() error {
	s.done = true
	if s.body != nil {
		err := s.body.Close()
		s.body = nil
		return err
	}
	return nil
}
