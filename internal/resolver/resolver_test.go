package resolver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mohammed-shakir/tilestream/internal/bundle"
	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/memcache"
	"github.com/mohammed-shakir/tilestream/internal/cache/sqlitestore"
	"github.com/mohammed-shakir/tilestream/internal/extract"
	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

type fakeNetwork struct {
	mu   sync.Mutex
	adds []string
}

func (f *fakeNetwork) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, key)
}

func (f *fakeNetwork) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.adds...)
}

type sink struct {
	mu    sync.Mutex
	items []extract.Item
}

func (s *sink) deliver(it extract.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, it)
}

func (s *sink) all() []extract.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extract.Item(nil), s.items...)
}

type fixture struct {
	r     *Resolver
	mem   *memcache.Cache
	store *sqlitestore.Store
	net   *fakeNetwork
	out   *sink
}

func newFixture(t *testing.T, bundles ...Bundle) *fixture {
	t.Helper()
	store := sqlitestore.New(filepath.Join(t.TempDir(), "cache.db"), nil, nil)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var live format.Live
	live.Store(format.Default())
	f := &fixture{mem: memcache.New(64), store: store, net: &fakeNetwork{}, out: &sink{}}
	f.r = New(f.mem, store, bundles, f.net, &live, f.out.deliver, Options{})
	return f
}

func geoKey(layer, lat, lon, imp int) tilekey.Key {
	return tilekey.MustNew(tilekey.Key{Layer: layer, Detail: 3, Lat: lat, Lon: lon, Importance: imp})
}

func TestRequest_DiskHitNeverTouchesNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := cache.NewRecord(
		[]string{"g:2:3:100:200:0", "g:2:3:100:200:1"},
		[][]byte{[]byte("imp0"), []byte("imp1")},
		0,
	)
	if err := f.store.Put(ctx, rec); err != nil {
		t.Fatalf("seed disk: %v", err)
	}

	if got := f.r.Request(ctx, geoKey(2, 100, 200, 0)); got != Disk {
		t.Fatalf("outcome=%v want disk", got)
	}
	if calls := f.net.calls(); len(calls) != 0 {
		t.Fatalf("network called: %v", calls)
	}
	items := f.out.all()
	if len(items) != 1 || string(items[0].Data) != "imp0" || items[0].Source != extract.SourceDisk {
		t.Fatalf("delivered %+v", items)
	}
	if f.r.PendingLen() != 0 {
		t.Fatalf("pending left behind: %d", f.r.PendingLen())
	}

	// importance 1 was derived into memory by the importance 0 read
	if !f.mem.Contains("g:2:3:100:200:1") {
		t.Fatalf("derived importance missing from memory")
	}
	if got := f.r.Request(ctx, geoKey(2, 100, 200, 1)); got != Memory {
		t.Fatalf("derived outcome=%v want memory", got)
	}
	if calls := f.net.calls(); len(calls) != 0 {
		t.Fatalf("network called for derived importance: %v", calls)
	}
}

func TestRequest_DiskOnlyForImportanceZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := cache.NewRecord([]string{"g:2:3:100:200:1"}, [][]byte{[]byte("imp1")}, 0)
	if err := f.store.Put(ctx, rec); err != nil {
		t.Fatalf("seed disk: %v", err)
	}
	if got := f.r.Request(ctx, geoKey(2, 100, 200, 1)); got != ToNetwork {
		t.Fatalf("outcome=%v want network", got)
	}
}

func TestRequest_AtMostOneInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := geoKey(2, 5, 6, 0)

	if got := f.r.Request(ctx, k); got != ToNetwork {
		t.Fatalf("first outcome=%v", got)
	}
	if got := f.r.Request(ctx, k); got != Duplicate {
		t.Fatalf("second outcome=%v", got)
	}
	if got := f.r.RequestNetwork(k); got != Duplicate {
		t.Fatalf("network re-request outcome=%v", got)
	}
	if f.r.PendingLen() != 1 || !f.r.Pending(k) {
		t.Fatalf("pending=%d", f.r.PendingLen())
	}
	if calls := f.net.calls(); len(calls) != 1 || calls[0] != k.String() {
		t.Fatalf("network calls=%v", calls)
	}

	if !f.r.NetworkData(k, []byte("payload")) {
		t.Fatalf("pending key refused")
	}
	if f.r.NetworkData(k, []byte("again")) {
		t.Fatalf("second answer accepted")
	}
	items := f.out.all()
	if len(items) != 1 || items[0].Source != extract.SourceNetwork {
		t.Fatalf("deliveries=%+v", items)
	}
	if !f.mem.Contains(k.String()) {
		t.Fatalf("network payload not kept in memory")
	}
}

func TestFail_AllowsReissue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := geoKey(1, 2, 3, 0)
	f.r.Request(ctx, k)
	if !f.r.Fail(k) {
		t.Fatalf("fail on pending key reported false")
	}
	if f.r.Fail(k) {
		t.Fatalf("second fail reported true")
	}
	if got := f.r.Request(ctx, k); got != ToNetwork {
		t.Fatalf("reissue outcome=%v", got)
	}
	if n := len(f.net.calls()); n != 2 {
		t.Fatalf("network calls=%d want 2", n)
	}
}

func writeBundle(t *testing.T, crc uint32) *bundle.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "city.bundle")
	m := bundle.Manifest{
		Name:          "city",
		DescriptorCRC: crc,
		Coverage: []bundle.Coverage{
			{Layer: 2, Detail: 3, Range: format.Range{MinLat: 100, MaxLat: 101, MinLon: 200, MaxLon: 201}},
		},
	}
	blobs := map[string][]byte{
		"g:2:3:100:200:0": []byte("geo0"),
		"g:2:3:100:200:2": []byte("geo2"),
	}
	if err := bundle.Write(path, m, blobs); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	r, err := bundle.Open(path)
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRequest_BundleCoverage(t *testing.T) {
	ctx := context.Background()
	b := writeBundle(t, format.Default().CRC())
	f := newFixture(t, b)

	if got := f.r.Request(ctx, geoKey(2, 100, 200, 0)); got != FromBundle {
		t.Fatalf("importance 0 outcome=%v", got)
	}
	if got := f.r.Request(ctx, geoKey(2, 100, 200, 2)); got != FromBundle {
		t.Fatalf("importance 2 outcome=%v", got)
	}
	if got := f.r.Request(ctx, geoKey(2, 100, 200, 1)); got != Empty {
		t.Fatalf("covered but absent outcome=%v want empty", got)
	}
	if got := f.r.Request(ctx, geoKey(2, 101, 201, 0)); got != ToNetwork {
		t.Fatalf("covered importance 0 without blob outcome=%v want network", got)
	}
	if got := f.r.Request(ctx, geoKey(2, 150, 200, 1)); got != ToNetwork {
		t.Fatalf("uncovered outcome=%v want network", got)
	}
	if calls := f.net.calls(); len(calls) != 2 {
		t.Fatalf("network calls=%v", calls)
	}
	if len(f.out.all()) != 2 {
		t.Fatalf("deliveries=%d want 2", len(f.out.all()))
	}
	if names := f.r.BundleNames(); len(names) != 1 {
		t.Fatalf("active bundles=%v", names)
	}
}

func TestRequest_StaleBundleIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, writeBundle(t, 0xdeadbeef))
	if got := f.r.Request(ctx, geoKey(2, 100, 200, 0)); got != ToNetwork {
		t.Fatalf("stale bundle outcome=%v want network", got)
	}
	if names := f.r.BundleNames(); len(names) != 0 {
		t.Fatalf("stale bundle active: %v", names)
	}
}

func TestRequest_OfflineModes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.r.SetOffline(true)
	if got := f.r.Request(ctx, geoKey(2, 1, 1, 0)); got != Offline {
		t.Fatalf("offline outcome=%v", got)
	}
	if f.r.PendingLen() != 0 {
		t.Fatalf("offline request left pending entry")
	}

	f.r.SetOffline(false)
	f.r.SetOfflineCached(true)
	if got := f.r.Request(ctx, geoKey(2, 1, 1, 0)); got != Offline {
		t.Fatalf("cacheable layer outcome=%v want offline", got)
	}
	// layer 3 is not cacheable and still goes to the network
	if got := f.r.Request(ctx, geoKey(3, 1, 1, 0)); got != ToNetwork {
		t.Fatalf("uncacheable layer outcome=%v want network", got)
	}
	if got := f.r.RequestNetwork(tilekey.DescriptorCRC()); got != ToNetwork {
		t.Fatalf("descriptor crc outcome=%v want network", got)
	}
}

func TestPurge_DropsMemoryAndDisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := geoKey(2, 100, 200, 0)
	if err := f.store.Put(ctx, cache.NewRecord([]string{k.String()}, [][]byte{[]byte("x")}, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.mem.Put(k.String(), []byte("x"))

	f.r.Purge(ctx, k)
	if f.mem.Contains(k.String()) {
		t.Fatalf("memory kept purged key")
	}
	if ok, err := f.store.Exists(ctx, k.String()); ok || err != nil {
		t.Fatalf("disk kept purged key ok=%v err=%v", ok, err)
	}
	if got := f.r.Request(ctx, k); got != ToNetwork {
		t.Fatalf("after purge outcome=%v want network", got)
	}
}

func TestPurgeLayerAndDropPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mem.Put(geoKey(1, 1, 1, 0).String(), []byte("a"))
	f.mem.Put(geoKey(2, 1, 1, 0).String(), []byte("b"))
	if n := f.r.PurgeLayer(1); n != 1 {
		t.Fatalf("purged %d want 1", n)
	}
	if !f.mem.Contains(geoKey(2, 1, 1, 0).String()) {
		t.Fatalf("other layer purged")
	}

	f.r.Request(ctx, geoKey(1, 9, 9, 0))
	f.r.Request(ctx, geoKey(2, 9, 9, 0))
	n := f.r.DropPending(func(k tilekey.Key) bool { return k.Layer != 1 })
	if n != 1 || f.r.PendingLen() != 1 {
		t.Fatalf("dropped=%d pending=%d", n, f.r.PendingLen())
	}
	if f.r.NetworkData(geoKey(1, 9, 9, 0), []byte("late")) {
		t.Fatalf("dropped key accepted")
	}
}
