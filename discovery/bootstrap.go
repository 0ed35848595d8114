package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/transport"
)

// maxBootstrapBody caps the size of a bootstrap list download.
const maxBootstrapBody = 64 << 10

// ErrEmptyBootstrapList indicates a bootstrap download without usable entries.
var ErrEmptyBootstrapList = errors.New("bootstrap list has no usable endpoints")

// ParseBootstrapList parses a text list of endpoints, one "host:port" per
// line. Blank lines, '#' comments and unparsable entries are skipped.
func ParseBootstrapList(r io.Reader) ([]transport.EndPoint, error) {
	var eps []transport.EndPoint
	seen := make(map[transport.EndPoint]bool)
	scanner := bufio.NewScanner(io.LimitReader(r, maxBootstrapBody))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		ep, err := transport.ParseEndPoint(line)
		if err != nil || ep.Port() == 0 || seen[ep] {
			continue
		}
		seen[ep] = true
		eps = append(eps, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return eps, nil
}

// FetchBootstrapList downloads and parses the bootstrap list at url.
func FetchBootstrapList(ctx context.Context, client *http.Client, url string) ([]transport.EndPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap fetch: unexpected status %s", resp.Status)
	}
	eps, err := ParseBootstrapList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bootstrap parse: %w", err)
	}
	if len(eps) == 0 {
		return nil, ErrEmptyBootstrapList
	}
	return eps, nil
}

// webBootstrapLoop fetches the bootstrap list, retrying every interval
// until one attempt succeeds. After that it never runs again for the life
// of the manager.
func (m *Manager) webBootstrapLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.cfg.BootstrapRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if m.tryWebBootstrap(attempt) {
			return
		}
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) tryWebBootstrap(attempt int) bool {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	eps, err := FetchBootstrapList(ctx, m.cfg.HTTPClient, m.cfg.BootstrapURL)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "tryWebBootstrap",
			"url":      m.cfg.BootstrapURL,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Web bootstrap failed")
		return false
	}

	m.log.WithFields(logrus.Fields{
		"function": "tryWebBootstrap",
		"url":      m.cfg.BootstrapURL,
		"nodes":    len(eps),
	}).Info("Web bootstrap list fetched")
	m.AddBootstrapNodes(m.ctx, eps)
	return true
}
