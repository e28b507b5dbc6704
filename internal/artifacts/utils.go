package artifacts

import (
	"errors"
	"strings"
)

const fileScheme = "file://"

// FileURI renders a local path as a file URI.
func FileURI(path string) string {
	return fileScheme + path
}

// PathFromURI returns the local path of a file URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, fileScheme), nil
}
