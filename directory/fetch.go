package directory

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"
)

// DefaultArchiveURL is the download location of the directory cache archive.
// There is no default churn location: a churn file must name the consensus
// it corrects, and the published lists do not.
const DefaultArchiveURL = "https://github.com/c4dt/lightarti-directory/releases/latest/download/directory-cache.tgz"

const (
	maxChurnSize   = 1 << 20
	maxArchiveSize = 32 << 20
	maxMemberSize  = 64 << 20
)

// Fetcher downloads directory files into a Cache. Downloaded documents are
// not trusted; they are verified when the store loads them.
type Fetcher struct {
	ArchiveURL string
	ChurnURL   string // empty disables churn downloads
	Client     *http.Client // nil means a client with a 60 second timeout
	Logger     *slog.Logger
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Update brings the cache up to date according to Cache.State and returns
// what was refreshed.
func (f *Fetcher) Update(ctx context.Context, cache *Cache, now time.Time) (UpdateNeeded, error) {
	need := cache.State(now)
	switch need {
	case UpdateAll:
		if err := f.FetchArchive(ctx, cache); err != nil {
			return need, err
		}
		if f.ChurnURL == "" {
			break
		}
		if err := f.FetchChurn(ctx, cache); err != nil {
			return need, err
		}
	case UpdateChurn:
		if f.ChurnURL == "" {
			need = UpdateNone
			break
		}
		if err := f.FetchChurn(ctx, cache); err != nil {
			return need, err
		}
	}
	f.logger().Debug("cache update", "needed", need.String(), "dir", cache.Dir)
	return need, nil
}

// FetchChurn downloads the churn file and stores it in the cache.
func (f *Fetcher) FetchChurn(ctx context.Context, cache *Cache) error {
	if f.ChurnURL == "" {
		return errors.New("fetch churn: no churn URL configured")
	}
	body, err := f.get(ctx, f.ChurnURL, maxChurnSize)
	if err != nil {
		return fmt.Errorf("fetch churn: %w", err)
	}
	if err := cache.WriteFile(ChurnFileName, body); err != nil {
		return err
	}
	f.logger().Info("churn file downloaded", "bytes", len(body))
	return nil
}

// FetchArchive downloads the directory cache archive (.tgz) and unpacks the
// known directory files into the cache. Other archive members are ignored.
func (f *Fetcher) FetchArchive(ctx context.Context, cache *Cache) error {
	url := f.ArchiveURL
	if url == "" {
		url = DefaultArchiveURL
	}
	body, err := f.get(ctx, url, maxArchiveSize)
	if err != nil {
		return fmt.Errorf("fetch archive: %w", err)
	}
	files, err := extractArchive(body)
	if err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	for _, name := range []string{ConsensusFileName, MicrodescriptorsFileName, CertificateFileName} {
		if _, ok := files[name]; !ok {
			return fmt.Errorf("extract archive: missing %s", name)
		}
	}
	// The churn file of the previous directory cannot target the new one.
	if _, ok := files[ChurnFileName]; !ok {
		files[ChurnFileName] = []byte{}
	}
	for _, name := range []string{AuthorityFileName, CertificateFileName, MicrodescriptorsFileName, ConsensusFileName, ChurnFileName} {
		data, ok := files[name]
		if !ok {
			continue
		}
		if err := cache.WriteFile(name, data); err != nil {
			return err
		}
	}
	f.logger().Info("directory archive downloaded", "bytes", len(body), "files", len(files))
	return nil
}

func (f *Fetcher) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%s: response exceeds %d bytes", url, limit)
	}
	return body, nil
}

// extractArchive returns the known directory files in a gzipped tar
// archive, keyed by base name.
func extractArchive(data []byte) (map[string][]byte, error) {
	known := map[string]bool{
		ConsensusFileName:        true,
		MicrodescriptorsFileName: true,
		CertificateFileName:      true,
		ChurnFileName:            true,
		AuthorityFileName:        true,
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	files := make(map[string][]byte)
	var total int64
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(hdr.Name)
		if !known[name] {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxMemberSize-total+1))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", hdr.Name, err)
		}
		total += int64(len(body))
		if total > maxMemberSize {
			return nil, fmt.Errorf("archive contents exceed %d bytes", maxMemberSize)
		}
		files[name] = body
	}
	return files, nil
}
