package pathselect

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/cvsouth/lightor/directory"
)

var (
	testValidAfter = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testValidUntil = time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)
)

func testWeights() map[string]int64 {
	return map[string]int64{
		"Wgg": 5869, "Wgd": 5869, "Wgm": 5869,
		"Wmg": 4131, "Wmm": 10000, "Wme": 10000, "Wmd": 4131,
		"Wee": 10000, "Web": 10000, "Wed": 10000, "Wem": 10000,
	}
}

func mustPolicy(s string) directory.PortPolicy {
	p, err := directory.ParsePortPolicy(s)
	if err != nil {
		panic(err)
	}
	return p
}

func testRelay(id byte, nick, addr string, bw int64, policy string) directory.Relay {
	r := directory.Relay{
		NodeSummary: directory.NodeSummary{
			Nickname:  nick,
			Address:   addr,
			ORPort:    9001,
			Bandwidth: bw,
		},
		Descriptor: &directory.NodeDescriptor{},
	}
	r.Fingerprint = directory.Fingerprint{id}
	r.Flags.Fast = true
	r.Flags.Running = true
	r.Flags.Valid = true
	if policy != "" {
		r.Descriptor.ExitPolicy = mustPolicy(policy)
	}
	return r
}

func testRelays() []directory.Relay {
	// Guard+Exit relay
	r1 := testRelay(1, "GuardExit1", "1.2.3.4", 5000, "accept 443")
	r1.Flags.Guard = true
	r1.Flags.Exit = true

	// Guard-only relay
	r2 := testRelay(2, "Guard2", "5.6.7.8", 3000, "")
	r2.Flags.Guard = true

	// Middle relay
	r3 := testRelay(3, "Middle3", "10.20.30.40", 2000, "")

	// Exit-only relay
	r4 := testRelay(4, "Exit4", "20.30.40.50", 4000, "accept 80,443,8080")
	r4.Flags.Exit = true

	// BadExit relay (should never be selected as exit)
	r5 := testRelay(5, "BadExit5", "30.40.50.60", 10000, "accept 1-65535")
	r5.Flags.Exit = true
	r5.Flags.BadExit = true

	return []directory.Relay{r1, r2, r3, r4, r5}
}

func testSnapshot(relays []directory.Relay) *directory.Snapshot {
	return directory.NewSnapshot(relays, testWeights(), testValidAfter, testValidUntil)
}

func checkPath(t *testing.T, path []directory.Relay) {
	t.Helper()
	for i := range path {
		for j := i + 1; j < len(path); j++ {
			if path[i].Fingerprint == path[j].Fingerprint {
				t.Fatalf("relay %s used twice", path[i].Nickname)
			}
			if subnet16(path[i].Address) == subnet16(path[j].Address) {
				t.Fatalf("%s and %s share a /16", path[i].Nickname, path[j].Nickname)
			}
			if path[i].InFamily(&path[j]) || path[j].InFamily(&path[i]) {
				t.Fatalf("%s and %s are in the same family", path[i].Nickname, path[j].Nickname)
			}
		}
	}
	if !path[0].Flags.Guard {
		t.Fatalf("entry %s is not a Guard", path[0].Nickname)
	}
	exit := path[len(path)-1]
	if !exit.Flags.Exit || exit.Flags.BadExit {
		t.Fatalf("exit %s is not a usable exit", exit.Nickname)
	}
}

func TestSelectPath(t *testing.T) {
	snap := testSnapshot(testRelays())

	for i := 0; i < 200; i++ {
		path, err := SelectPath(snap, 0, Constraints{}, nil)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		if len(path) != DefaultLength {
			t.Fatalf("len(path) = %d, want %d", len(path), DefaultLength)
		}
		checkPath(t, path)
		if path[2].Nickname == "BadExit5" {
			t.Fatal("BadExit relay selected as exit")
		}
	}
}

func TestSelectPathExitPort(t *testing.T) {
	snap := testSnapshot(testRelays())

	for i := 0; i < 50; i++ {
		path, err := SelectPath(snap, 3, Constraints{ExitPort: 8080}, nil)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		if path[2].Nickname != "Exit4" {
			t.Fatalf("exit = %s, only Exit4 accepts 8080", path[2].Nickname)
		}
	}

	_, err := SelectPath(snap, 3, Constraints{ExitPort: 22}, nil)
	var ire *InsufficientRelaysError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InsufficientRelaysError, got %v", err)
	}
	if ire.Position != PositionExit || ire.Hop != 2 {
		t.Fatalf("error = %+v, want exit at hop 2", ire)
	}
	if !errors.Is(err, directory.ErrInsufficientRelays) {
		t.Fatal("error should wrap ErrInsufficientRelays")
	}
	if directory.Classify(err) != directory.ClassSelection {
		t.Fatalf("Classify = %q", directory.Classify(err))
	}
}

func TestSelectPathLengths(t *testing.T) {
	snap := testSnapshot(testRelays())

	for _, n := range []int{2, 3, 4, 5} {
		path, err := SelectPath(snap, n, Constraints{}, nil)
		if err != nil {
			t.Fatalf("length %d: %v", n, err)
		}
		if len(path) != n {
			t.Fatalf("length %d: got %d relays", n, len(path))
		}
		checkPath(t, path)
	}

	// Five relays in distinct networks cannot fill six hops.
	_, err := SelectPath(snap, 6, Constraints{}, nil)
	var ire *InsufficientRelaysError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InsufficientRelaysError, got %v", err)
	}
	if ire.Position != PositionMiddle || ire.Hop != 4 {
		t.Fatalf("error = %+v, want middle at hop 4", ire)
	}

	for _, n := range []int{-1, 1, MaxLength + 1} {
		if _, err := SelectPath(snap, n, Constraints{}, nil); err == nil {
			t.Fatalf("length %d should be rejected", n)
		}
	}
}

func TestSelectPathNoDirectory(t *testing.T) {
	_, err := SelectPath(nil, 3, Constraints{}, nil)
	if !errors.Is(err, directory.ErrNoDirectory) {
		t.Fatalf("expected ErrNoDirectory, got %v", err)
	}
}

func TestSelectPathSameSubnet(t *testing.T) {
	relays := testRelays()
	// GuardExit1 leaves the guard pool and Guard2 moves next to Exit4.
	relays[0].Flags.Guard = false
	relays[1].Address = "20.30.1.1"
	relays[3].Descriptor.ExitPolicy = mustPolicy("accept 8080")
	snap := testSnapshot(relays)

	_, err := SelectPath(snap, 3, Constraints{ExitPort: 8080}, nil)
	var ire *InsufficientRelaysError
	if !errors.As(err, &ire) || ire.Position != PositionEntry {
		t.Fatalf("expected entry shortage, got %v", err)
	}
}

func TestSelectPathFamily(t *testing.T) {
	for _, declaredBy := range []int{1, 3} {
		t.Run(fmt.Sprintf("declared by %d", declaredBy), func(t *testing.T) {
			relays := testRelays()
			relays[0].Flags.Guard = false
			other := 4 - declaredBy // Guard2 <-> Exit4
			relays[declaredBy].Descriptor.Family = []string{"$" + relays[other].Fingerprint.String()}
			snap := testSnapshot(relays)

			_, err := SelectPath(snap, 3, Constraints{ExitPort: 8080}, nil)
			var ire *InsufficientRelaysError
			if !errors.As(err, &ire) || ire.Position != PositionEntry {
				t.Fatalf("expected entry shortage, got %v", err)
			}
		})
	}
}

func TestSelectPathExclude(t *testing.T) {
	relays := testRelays()
	snap := testSnapshot(relays)

	exclude := []directory.Fingerprint{relays[3].Fingerprint}
	_, err := SelectPath(snap, 3, Constraints{ExitPort: 8080, Exclude: exclude}, nil)
	if !errors.Is(err, directory.ErrInsufficientRelays) {
		t.Fatalf("expected ErrInsufficientRelays, got %v", err)
	}

	for i := 0; i < 50; i++ {
		path, err := SelectPath(snap, 3, Constraints{Exclude: exclude}, nil)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		for _, r := range path {
			if r.Fingerprint == relays[3].Fingerprint {
				t.Fatal("excluded relay selected")
			}
		}
	}
}

func TestSelectPathRequireFlags(t *testing.T) {
	relays := testRelays()
	for i := range relays {
		relays[i].Flags.Stable = true
	}
	relays[2].Flags.Stable = false // Middle3
	relays[4].Flags.Fast = false   // BadExit5
	snap := testSnapshot(relays)

	for i := 0; i < 50; i++ {
		path, err := SelectPath(snap, 3, Constraints{RequireStable: true, RequireFast: true}, nil)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		for _, r := range path {
			if r.Nickname == "Middle3" || r.Nickname == "BadExit5" {
				t.Fatalf("%s does not meet the flag constraints", r.Nickname)
			}
		}
	}
}

func TestSelectPathSkipsUnusable(t *testing.T) {
	relays := testRelays()
	relays[2].Descriptor = nil      // Middle3
	relays[4].Flags.Running = false // BadExit5
	relays[1].Flags.Valid = false   // Guard2
	snap := testSnapshot(relays)

	// Only GuardExit1 and Exit4 remain. Both accept 443, but GuardExit1 is
	// the only guard, so it must end up as the entry whichever exit is
	// drawn first.
	for seed := 0; seed < 1000; seed++ {
		rnd := NewSeededReader([]byte(fmt.Sprintf("unusable-%d", seed)))
		path, err := SelectPath(snap, 2, Constraints{ExitPort: 443}, rnd)
		if err != nil {
			t.Fatalf("seed %d: SelectPath: %v", seed, err)
		}
		checkPath(t, path)
		if path[0].Nickname != "GuardExit1" || path[1].Nickname != "Exit4" {
			t.Fatalf("seed %d: path = %s,%s", seed, path[0].Nickname, path[1].Nickname)
		}
	}
	if _, err := SelectPath(snap, 3, Constraints{}, nil); !errors.Is(err, directory.ErrInsufficientRelays) {
		t.Fatalf("expected ErrInsufficientRelays, got %v", err)
	}
}

func TestSelectPathSeeded(t *testing.T) {
	snap := testSnapshot(testRelays())

	for seed := 0; seed < 20; seed++ {
		s := []byte(fmt.Sprintf("seed-%d", seed))
		a, err := SelectPath(snap, 3, Constraints{}, NewSeededReader(s))
		if err != nil {
			t.Fatal(err)
		}
		b, err := SelectPath(snap, 3, Constraints{}, NewSeededReader(s))
		if err != nil {
			t.Fatal(err)
		}
		for i := range a {
			if a[i].Fingerprint != b[i].Fingerprint {
				t.Fatalf("seed %d: hop %d differs: %s vs %s", seed, i, a[i].Nickname, b[i].Nickname)
			}
		}
	}
}

func TestSubnet16(t *testing.T) {
	if subnet16("1.2.3.4") != "1.2" {
		t.Fatalf("subnet16(1.2.3.4) = %q", subnet16("1.2.3.4"))
	}
	if subnet16("1.2.99.100") != "1.2" {
		t.Fatal("same /16 not detected")
	}
	if subnet16("not-an-ip") != "" {
		t.Fatal("invalid address should have no subnet")
	}
}

func TestWeightedRandom(t *testing.T) {
	// With very skewed weights, the heavy one should be selected most of the time
	weights := []int64{1, 1000000}
	counts := [2]int{}
	rnd := NewSeededReader([]byte("weighted"))
	for i := 0; i < 1000; i++ {
		idx, err := weightedRandom(rnd, weights)
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	// Heavy weight should be selected >95% of the time
	if counts[1] < 950 {
		t.Fatalf("heavy weight selected %d/1000 times, expected >950", counts[1])
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	counts := [3]int{}
	rnd := NewSeededReader([]byte("uniform"))
	for i := 0; i < 3000; i++ {
		idx, err := weightedRandom(rnd, []int64{0, 0, -5})
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	for i, n := range counts {
		if n < 800 {
			t.Fatalf("index %d selected %d/3000 times under uniform draw", i, n)
		}
	}

	if _, err := weightedRandom(rnd, nil); err == nil {
		t.Fatal("empty weights should fail")
	}
}

func TestSelectPathRedrawsBlockingEntry(t *testing.T) {
	relays := testRelays()
	// With Guard2 as entry no middle is left: Middle3 shares its /16 and
	// GuardExit1 is in its family.
	relays[1].Address = "10.20.1.1"
	relays[0].Descriptor.Family = []string{"$" + relays[1].Fingerprint.String()}
	relays[4].Flags.Running = false // BadExit5
	snap := testSnapshot(relays)

	for seed := 0; seed < 200; seed++ {
		rnd := NewSeededReader([]byte(fmt.Sprintf("blocking-%d", seed)))
		path, err := SelectPath(snap, 3, Constraints{ExitPort: 8080}, rnd)
		if err != nil {
			t.Fatalf("seed %d: SelectPath: %v", seed, err)
		}
		checkPath(t, path)
		if path[0].Nickname != "GuardExit1" || path[1].Nickname != "Middle3" || path[2].Nickname != "Exit4" {
			t.Fatalf("seed %d: path = %s,%s,%s", seed, path[0].Nickname, path[1].Nickname, path[2].Nickname)
		}
	}
}

func TestDrawWeight(t *testing.T) {
	if w := drawWeight(1, 5869); w != 5869 {
		t.Fatalf("drawWeight(1, 5869) = %d", w)
	}
	if w := drawWeight(0, 5869); w != 0 {
		t.Fatalf("drawWeight(0, 5869) = %d", w)
	}
	if w := drawWeight(5000, 0); w != 0 {
		t.Fatalf("drawWeight(5000, 0) = %d", w)
	}
	if w := drawWeight(-7, 10000); w != 0 {
		t.Fatalf("drawWeight(-7, 10000) = %d", w)
	}
	if w := drawWeight(math.MaxInt64/2, 10000); w != math.MaxInt64 {
		t.Fatalf("drawWeight overflow = %d", w)
	}
}

func TestSelectPathSmallBandwidth(t *testing.T) {
	relays := testRelays()
	relays[0].Bandwidth = 1 // GuardExit1
	relays[1].Bandwidth = 3 // Guard2
	snap := testSnapshot(relays)

	entries := map[string]int{}
	for i := 0; i < 400; i++ {
		path, err := SelectPath(snap, 3, Constraints{ExitPort: 8080}, nil)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		entries[path[0].Nickname]++
	}
	if entries["GuardExit1"] == 0 || entries["Guard2"] == 0 {
		t.Fatalf("entries = %v, both guards should be drawn", entries)
	}
}

func TestWeightedRandomLargeWeights(t *testing.T) {
	counts := [3]int{}
	rnd := NewSeededReader([]byte("large"))
	for i := 0; i < 1000; i++ {
		idx, err := weightedRandom(rnd, []int64{math.MaxInt64, 0, math.MaxInt64})
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	if counts[1] != 0 {
		t.Fatalf("zero weight selected %d times", counts[1])
	}
	if counts[0] < 400 || counts[2] < 400 {
		t.Fatalf("counts = %v, want an even split", counts)
	}
}
