package transfer

import (
	"context"
	"io"
	"net/url"
)

// Stream is an open origin body positioned at Offset.
type Stream struct {
	Body io.ReadCloser
	// Offset is where Body starts. It is 0 when the origin refused to resume.
	Offset int64
	// Total is the full object size, 0 when the origin does not report it.
	Total int64
}

// Source opens an origin object, trying to start at offset.
type Source interface {
	Open(ctx context.Context, u *url.URL, offset int64) (*Stream, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, u *url.URL, offset int64) (*Stream, error)

func (f SourceFunc) Open(ctx context.Context, u *url.URL, offset int64) (*Stream, error) {
	return f(ctx, u, offset)
}
