package radix

import (
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// checkInvariants walks the tree and verifies parent links, sibling first
// bytes and compression.
func checkInvariants[V any](t *testing.T, tr *Tree[V]) {
	t.Helper()
	count := 0
	var visit func(n *node[V], isRoot bool)
	visit = func(n *node[V], isRoot bool) {
		if n.hasValue {
			count++
		}
		if !isRoot {
			if n.segment == "" {
				t.Errorf("non-root node with empty segment")
			}
			if !n.hasValue && len(n.children) < 2 {
				t.Errorf("node %q without value has %d children", n.segment, len(n.children))
			}
		}
		seen := map[byte]bool{}
		for _, c := range n.children {
			if c.parent != n {
				t.Errorf("child %q has wrong parent", c.segment)
			}
			if seen[c.segment[0]] {
				t.Errorf("siblings share first byte %q", c.segment[0])
			}
			seen[c.segment[0]] = true
			visit(c, false)
		}
	}
	visit(&tr.root, true)
	if count != tr.Len() {
		t.Errorf("Len() = %d, counted %d values", tr.Len(), count)
	}
}

func TestSetGet(t *testing.T) {
	tests := []struct {
		name string
		keys []string
	}{
		{"disjoint", []string{"apple", "banana", "cherry"}},
		{"split_on_insert", []string{"romane", "romanus", "romulus", "rubens", "ruber", "rubicon", "rubicundus"}},
		{"prefix_of_existing", []string{"testing", "test", "tes"}},
		{"extension_of_existing", []string{"t", "te", "tes", "test"}},
		{"empty_key", []string{"", "a", "ab"}},
		{"unicode", []string{"héllo", "hélium", "h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New[int]()
			for i, k := range tt.keys {
				if !tr.Set(k, i) {
					t.Errorf("Set(%q) reported existing key", k)
				}
			}
			for i, k := range tt.keys {
				got, ok := tr.Get(k)
				if !ok || got != i {
					t.Errorf("Get(%q) = %v, %v; want %d, true", k, got, ok, i)
				}
			}
			if tr.Len() != len(tt.keys) {
				t.Errorf("Len() = %d, want %d", tr.Len(), len(tt.keys))
			}
			checkInvariants(t, tr)
		})
	}
}

func TestGetIntermediateIsNotMatch(t *testing.T) {
	tr := New[string]()
	tr.Set("abcdef", "x")
	tr.Set("abcxyz", "y")

	for _, k := range []string{"abc", "ab", "abcd", "abcdefg", "b"} {
		if v, ok := tr.Get(k); ok {
			t.Errorf("Get(%q) = %q, want absent", k, v)
		}
	}
}

func TestSetOverwrite(t *testing.T) {
	tr := New[int]()
	tr.Set("key", 1)
	if tr.Set("key", 2) {
		t.Errorf("overwrite reported as new key")
	}
	if v, _ := tr.Get("key"); v != 2 {
		t.Errorf("Get() = %d, want 2", v)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}

func TestGetByPrefix(t *testing.T) {
	tr := New[string]()
	keys := []string{"user/1", "user/10", "user/2", "users", "usage", "admin/1", "User/1"}
	for _, k := range keys {
		tr.Set(k, k)
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{"user/", []string{"user/1", "user/10", "user/2"}},
		{"user", []string{"user/1", "user/10", "user/2", "users"}},
		{"us", []string{"usage", "user/1", "user/10", "user/2", "users"}},
		{"User", []string{"User/1"}},
		{"user/1", []string{"user/1", "user/10"}},
		{"user/3", nil},
		{"zzz", nil},
		{"users/", nil},
		{"", []string{"User/1", "admin/1", "usage", "user/1", "user/10", "user/2", "users"}},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := tr.GetByPrefix(tt.prefix, true)
			if diff := cmp.Diff(tt.want, got); diff != "" && !(len(tt.want) == 0 && len(got) == 0) {
				t.Errorf("GetByPrefix(%q) mismatch (-want +got):\n%s", tt.prefix, diff)
			}

			unsorted := tr.GetByPrefix(tt.prefix, false)
			sort.Strings(unsorted)
			if !slices.Equal(unsorted, got) {
				t.Errorf("unsorted scan %v differs from sorted %v", unsorted, got)
			}
		})
	}
}

func TestGetByPrefixSortedRegardlessOfInsertOrder(t *testing.T) {
	tr := New[string]()
	for _, k := range []string{"CKey", "BKey", "AKey"} {
		tr.Set(k, k)
	}
	got := tr.GetByPrefix("", true)
	want := []string{"AKey", "BKey", "CKey"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sorted scan mismatch (-want +got):\n%s", diff)
	}
}

func TestGetByPrefixGrowsBuffer(t *testing.T) {
	tr := New[int]()
	n := DefaultScanCapacity*scanGrowth*2 + 7
	for i := range n {
		tr.Set(fmt.Sprintf("k%05d", i), i)
	}
	got := tr.GetByPrefix("k", true)
	if len(got) != n {
		t.Fatalf("len = %d, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestRemoveMerges(t *testing.T) {
	tr := New[int]()
	tr.Set("test", 1)
	tr.Set("team", 2)
	tr.Set("toast", 3)

	if !tr.Remove("team") {
		t.Fatal("Remove(team) = false")
	}
	checkInvariants(t, tr)

	// "te" + "st" should have been merged back into a single "test" edge below "t".
	tNode := tr.root.child('t')
	if tNode == nil || tNode.segment != "t" {
		t.Fatalf("unexpected root child: %+v", tNode)
	}
	if c := tNode.child('e'); c == nil || c.segment != "est" {
		t.Errorf("expected merged segment %q, got %+v", "est", c)
	}

	if !tr.Remove("toast") {
		t.Fatal("Remove(toast) = false")
	}
	checkInvariants(t, tr)
	if len(tr.root.children) != 1 || tr.root.children[0].segment != "test" {
		t.Errorf("expected single root child %q", "test")
	}

	if tr.Remove("toast") {
		t.Errorf("second Remove(toast) = true")
	}
	if tr.Remove("tes") {
		t.Errorf("Remove of intermediate key = true")
	}
	if !tr.Remove("test") {
		t.Fatal("Remove(test) = false")
	}
	if tr.Len() != 0 || tr.root.children != nil {
		t.Errorf("tree not empty after removing every key")
	}
}

func TestRemoveKeepsValueNodeWithChildren(t *testing.T) {
	tr := New[int]()
	tr.Set("a", 1)
	tr.Set("ab", 2)
	tr.Set("ac", 3)
	tr.Remove("a")
	checkInvariants(t, tr)
	if _, ok := tr.Get("a"); ok {
		t.Errorf("Get(a) found after remove")
	}
	for _, k := range []string{"ab", "ac"} {
		if _, ok := tr.Get(k); !ok {
			t.Errorf("Get(%q) lost after removing parent", k)
		}
	}
	tr.Remove("ab")
	checkInvariants(t, tr)
	if v, ok := tr.Get("ac"); !ok || v != 3 {
		t.Errorf("Get(ac) = %d, %v", v, ok)
	}
}

func TestScanStops(t *testing.T) {
	tr := New[int]()
	for i := range 10 {
		tr.Set(fmt.Sprintf("k%d", i), i)
	}
	seen := 0
	tr.Scan("k", func(key string, v int) bool {
		if !strings.HasPrefix(key, "k") {
			t.Errorf("Scan yielded key %q", key)
		}
		if want := fmt.Sprintf("k%d", v); key != want {
			t.Errorf("Scan key %q for value %d", key, v)
		}
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Errorf("seen = %d, want 3", seen)
	}
}

func TestClear(t *testing.T) {
	tr := New[int]()
	tr.Set("x", 1)
	tr.Set("y", 2)
	tr.Clear()
	if tr.Len() != 0 {
		t.Errorf("Len() = %d after Clear", tr.Len())
	}
	if got := tr.GetByPrefix("", false); len(got) != 0 {
		t.Errorf("GetByPrefix after Clear = %v", got)
	}
}

// TestRandomAgainstMap runs random operations against a map model.
func TestRandomAgainstMap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := "abc"
	randKey := func() string {
		n := rng.Intn(6)
		var sb strings.Builder
		for range n {
			sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		return sb.String()
	}

	tr := New[int]()
	model := map[string]int{}
	for i := range 5000 {
		k := randKey()
		if rng.Intn(3) == 0 {
			_, had := model[k]
			if got := tr.Remove(k); got != had {
				t.Fatalf("op %d: Remove(%q) = %v, want %v", i, k, got, had)
			}
			delete(model, k)
		} else {
			tr.Set(k, i)
			model[k] = i
		}

		if i%250 == 0 {
			checkInvariants(t, tr)
			p := randKey()
			var want []int
			var keys []string
			for mk := range model {
				if strings.HasPrefix(mk, p) {
					keys = append(keys, mk)
				}
			}
			sort.Strings(keys)
			for _, mk := range keys {
				want = append(want, model[mk])
			}
			got := tr.GetByPrefix(p, true)
			if len(want) == 0 && len(got) == 0 {
				continue
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("op %d: GetByPrefix(%q) mismatch (-want +got):\n%s", i, p, diff)
			}
		}
	}

	for k, v := range model {
		if got, ok := tr.Get(k); !ok || got != v {
			t.Errorf("Get(%q) = %d, %v; want %d", k, got, ok, v)
		}
	}
	if tr.Len() != len(model) {
		t.Errorf("Len() = %d, want %d", tr.Len(), len(model))
	}
}

func BenchmarkGetByPrefix(b *testing.B) {
	tr := New[int]()
	for i := range 10000 {
		tr.Set(fmt.Sprintf("user/%06d", i), i)
	}
	b.ResetTimer()
	for range b.N {
		_ = tr.GetByPrefix("user/0001", false)
	}
}
