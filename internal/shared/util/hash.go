package util

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// FileHash returns the hex xxh3-128 digest of a file's content.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ReaderHash(f)
}

func ReaderHash(r io.Reader) (string, error) {
	h := xxh3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	sum := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo), nil
}
