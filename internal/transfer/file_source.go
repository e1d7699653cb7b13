package transfer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
)

// FileSource reads file:// locators from the local filesystem. It serves
// sideloaded content and tests.
type FileSource struct{}

func (FileSource) Open(_ context.Context, u *url.URL, offset int64) (*Stream, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &OriginRejectedError{Locator: u.String(), Reason: "file unavailable", Err: err}
		}

		return nil, &NetworkError{Operation: "open", Message: err.Error(), Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, &NetworkError{Operation: "stat", Message: err.Error(), Err: err}
	}

	if info.IsDir() {
		f.Close()

		return nil, &OriginRejectedError{Locator: u.String(), Reason: "is a directory"}
	}

	if offset > info.Size() {
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return nil, &NetworkError{Operation: "seek", Message: err.Error(), Err: err}
	}

	return &Stream{Body: f, Offset: offset, Total: info.Size()}, nil
}
