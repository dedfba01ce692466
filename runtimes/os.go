package runtimes

import (
	"io"
	"os"
)

// ReadInput reads a whole file, or stdin when path is "-".
func ReadInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
