package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashembed/flashembed/internal/domain"
)

type tarEntry struct {
	name string
	body string
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeShard(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func drain(t *testing.T, src domain.Source) []*domain.Item {
	t.Helper()
	var out []*domain.Item
	for {
		it, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, it)
	}
}

func TestWebDataset_GroupsMembersByKey(t *testing.T) {
	dir := t.TempDir()
	shard := writeShard(t, dir, "data-000.tar", buildTar(t,
		tarEntry{"000001.jpg", "JPEG1"},
		tarEntry{"000001.txt", " a cat \n"},
		tarEntry{"000001.json", `{"width": 640, "source": "laion"}`},
		tarEntry{"000002.png", "PNG2"},
		tarEntry{"__meta__.json", "{}"},
		tarEntry{"000003.txt", "caption without image"},
	))

	wds, err := NewWebDataset([]string{shard}, WebDatasetOptions{})
	require.NoError(t, err)
	defer wds.Close()

	items := drain(t, wds)
	require.Len(t, items, 2)

	assert.Equal(t, "000001", items[0].UID)
	assert.Equal(t, []byte("JPEG1"), items[0].Data)
	require.True(t, items[0].HasText())
	assert.Equal(t, "a cat", *items[0].Text)
	assert.Equal(t, "640", items[0].Meta["width"])
	assert.Equal(t, "laion", items[0].Meta["source"])
	assert.Equal(t, shard, items[0].Meta["shard"])

	assert.Equal(t, "000002", items[1].UID)
	assert.False(t, items[1].HasText())

	assert.Equal(t, 1, wds.Skipped())
}

func TestWebDataset_BraceExpandedShardsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "d-0.tar", buildTar(t, tarEntry{"a.jpg", "x"}))
	writeShard(t, dir, "d-1.tar", buildTar(t, tarEntry{"b.jpg", "y"}))

	wds, err := NewWebDataset([]string{filepath.Join(dir, "d-{0..1}.tar")}, WebDatasetOptions{})
	require.NoError(t, err)
	assert.Len(t, wds.Shards(), 2)

	items := drain(t, wds)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].UID)
	assert.Equal(t, "b", items[1].UID)
}

func TestWebDataset_Gzip(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(buildTar(t, tarEntry{"k.sub.jpg", "img"}))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	shard := writeShard(t, t.TempDir(), "s.tar.gz", gz.Bytes())
	wds, err := NewWebDataset([]string{shard}, WebDatasetOptions{})
	require.NoError(t, err)

	items := drain(t, wds)
	// "k.sub.jpg" has extension "sub.jpg", which is not an image member.
	assert.Empty(t, items)
	assert.Equal(t, 1, wds.Skipped())
}

func TestWebDataset_HTTP(t *testing.T) {
	body := buildTar(t, tarEntry{"remote.webp", "W"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shard-0.tar" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	wds, err := NewWebDataset([]string{srv.URL + "/shard-{0..0}.tar"}, WebDatasetOptions{Client: srv.Client()})
	require.NoError(t, err)
	items := drain(t, wds)
	require.Len(t, items, 1)
	assert.Equal(t, "remote", items[0].UID)

	missing, err := NewWebDataset([]string{srv.URL + "/gone.tar"}, WebDatasetOptions{Client: srv.Client()})
	require.NoError(t, err)
	_, err = missing.Next()
	assert.ErrorContains(t, err, "HTTP 404")

	mixed, err := NewWebDataset([]string{srv.URL + "/gone.tar", srv.URL + "/shard-0.tar"},
		WebDatasetOptions{Client: srv.Client()})
	require.NoError(t, err)
	assert.Len(t, drain(t, mixed), 1)
	assert.Equal(t, 1, mixed.FailedShards())
}

func TestWebDataset_ShuffleIsSeeded(t *testing.T) {
	patterns := []string{"s-{00..19}.tar"}
	a, err := NewWebDataset(patterns, WebDatasetOptions{Shuffle: true, Seed: 7})
	require.NoError(t, err)
	b, err := NewWebDataset(patterns, WebDatasetOptions{Shuffle: true, Seed: 7})
	require.NoError(t, err)
	plain, err := NewWebDataset(patterns, WebDatasetOptions{})
	require.NoError(t, err)

	assert.Equal(t, a.Shards(), b.Shards())
	assert.ElementsMatch(t, plain.Shards(), a.Shards())
	assert.NotEqual(t, plain.Shards(), a.Shards())
}

func TestWebDataset_AllShardsMissingFails(t *testing.T) {
	dir := t.TempDir()
	wds, err := NewWebDataset([]string{filepath.Join(dir, "nope-{0..1}.tar")}, WebDatasetOptions{})
	require.NoError(t, err)
	_, err = wds.Next()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, "all 2 shards failed")
	assert.Equal(t, 2, wds.FailedShards())
}

func TestWebDataset_BadShardsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "a.tar")

	full := buildTar(t,
		tarEntry{"c1.jpg", "C1"},
		tarEntry{"c2.jpg", strings.Repeat("x", 2048)},
	)
	// Cut the second member's body short.
	truncated := writeShard(t, dir, "c.tar", full[:len(full)-1500])

	good := writeShard(t, dir, "b.tar", buildTar(t,
		tarEntry{"b1.png", "B1"},
		tarEntry{"b2.png", "B2"},
	))

	wds, err := NewWebDataset([]string{missing, truncated, good}, WebDatasetOptions{})
	require.NoError(t, err)
	items := drain(t, wds)

	var uids []string
	for _, it := range items {
		uids = append(uids, it.UID)
	}
	assert.Contains(t, uids, "b1")
	assert.Contains(t, uids, "b2")
	assert.NotContains(t, uids, "c2")
	assert.Equal(t, 2, wds.FailedShards())
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		name, key, ext string
		ok             bool
	}{
		{"000001.jpg", "000001", "jpg", true},
		{"dir/000001.JPG", "dir/000001", "jpg", true},
		{"dir/000001.seg.png", "dir/000001", "seg.png", true},
		{"README", "", "", false},
		{"__key__.txt", "", "", false},
		{".hidden", "", "", false},
	}
	for _, tt := range tests {
		key, ext, ok := splitKey(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.key, key, tt.name)
		assert.Equal(t, tt.ext, ext, tt.name)
	}
}
