package proxy

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Endpoint is one outbound proxy.
type Endpoint struct {
	// URL is the full proxy URL including scheme and any credentials.
	URL string

	// Display is the host:port form, safe to log.
	Display string
}

// ParseLine parses one proxy list entry. Supported formats:
//
//   - ip:port:username:password
//   - ip:port (IP authenticated)
//   - scheme://username:password@ip:port
//   - scheme://ip:port
//
// where scheme is http, https, or socks5.
func ParseLine(line string) (Endpoint, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Endpoint{}, false
	}

	if strings.Contains(line, "://") {
		parsed, err := url.Parse(line)
		if err != nil || parsed.Host == "" {
			return Endpoint{}, false
		}
		switch parsed.Scheme {
		case "http", "https", "socks5":
		default:
			return Endpoint{}, false
		}
		return Endpoint{URL: parsed.String(), Display: parsed.Host}, true
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		// ip:port (IP authenticated)
		host, port := parts[0], parts[1]
		return Endpoint{
			URL:     fmt.Sprintf("http://%s:%s", host, port),
			Display: fmt.Sprintf("%s:%s", host, port),
		}, true
	case 4:
		// ip:port:username:password
		host, port, user, pass := parts[0], parts[1], parts[2], parts[3]
		return Endpoint{
			URL:     fmt.Sprintf("http://%s:%s@%s:%s", user, pass, host, port),
			Display: fmt.Sprintf("%s:%s", host, port),
		}, true
	default:
		return Endpoint{}, false
	}
}

// Source describes where the proxy list comes from. Exactly one field
// should be set; List wins over File, File over EnvVar.
type Source struct {
	// List is an inline proxy list.
	List []string

	// File is the path to a proxy list file, one entry per line, with
	// blank lines and #-comments skipped.
	File string

	// EnvVar names an environment variable holding a comma-separated
	// proxy list.
	EnvVar string
}

// LoadEndpoints resolves the source into parsed endpoints. Unparseable
// entries are skipped; an empty result is not an error, the pool simply
// runs without proxies.
func LoadEndpoints(src Source) ([]Endpoint, error) {
	var lines []string
	switch {
	case len(src.List) > 0:
		lines = src.List
	case src.File != "":
		fileLines, err := readLines(src.File)
		if err != nil {
			return nil, err
		}
		lines = fileLines
	case src.EnvVar != "":
		lines = strings.Split(os.Getenv(src.EnvVar), ",")
	}

	endpoints := make([]Endpoint, 0, len(lines))
	for _, line := range lines {
		if ep, ok := ParseLine(line); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path) //nolint:gosec // the proxy list path comes from the operator's own configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}
	return lines, nil
}
