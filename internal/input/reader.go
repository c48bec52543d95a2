package input

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rafabd1/wcvs/internal/utils"
)

// Reader handles reading target URLs from files or stdin.
type Reader struct {
	logger utils.Logger
	stdin  io.Reader
}

// NewReader creates a new Reader.
func NewReader(logger utils.Logger) *Reader {
	return &Reader{logger: logger, stdin: os.Stdin}
}

// ReadURLsFromFile reads URLs line by line from filePath. "-" reads stdin.
func (r *Reader) ReadURLsFromFile(filePath string) ([]string, error) {
	if filePath == "-" {
		return r.ReadURLsFromStdin()
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening targets file: %w", err)
	}
	defer file.Close()
	return r.ReadURLs(file)
}

// ReadURLsFromStdin reads URLs line by line from standard input.
func (r *Reader) ReadURLsFromStdin() ([]string, error) {
	return r.ReadURLs(r.stdin)
}

// ReadURLs returns the distinct, valid URLs in src. Blank lines and lines
// starting with # are skipped; a missing scheme defaults to http.
func (r *Reader) ReadURLs(src io.Reader) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(src)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		target := utils.EnsureScheme(raw)
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			r.logger.Warnf("Skipping invalid target on line %d: %q", line, raw)
			continue
		}
		norm, err := utils.NormalizeURL(target)
		if err != nil {
			norm = target
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		urls = append(urls, target)
	}
	return urls, scanner.Err()
}
