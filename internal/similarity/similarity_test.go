package similarity

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Check THIS out! https://example.com/x?a=1 #golang @dev", "check this out golang dev"},
		{"a b c", ""}, // single-rune tokens dropped
		{"Go, go, GO!", "go go go"},
		{"  spaced\t\nout  ", "spaced out"},
		{"数据 分析", "数据 分析"}, // two-rune CJK tokens survive
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIgnoresDecoration(t *testing.T) {
	a := "Big news today! Read more: https://a.example/1 #ai"
	b := "big NEWS today — read more https://b.example/2 @ai"
	if Normalize(a) != Normalize(b) {
		t.Fatalf("decorated twins should normalize equal:\n%q\n%q", Normalize(a), Normalize(b))
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("hello world", "hello world"); got != 1 {
		t.Fatalf("self similarity = %v, want 1", got)
	}
	if got := Similarity("alpha beta", "gamma delta"); got != 0 {
		t.Fatalf("disjoint similarity = %v, want 0", got)
	}
	if got := Similarity("", "hello world"); got != 0 {
		t.Fatalf("empty side similarity = %v, want 0", got)
	}
	ab := Similarity("quick brown fox jumps", "brown fox sleeps")
	ba := Similarity("brown fox sleeps", "quick brown fox jumps")
	if ab != ba {
		t.Fatalf("similarity not symmetric: %v vs %v", ab, ba)
	}
	// intersection {brown fox} = 2, union = 5
	if want := 2.0 / 5.0; ab != want {
		t.Fatalf("similarity = %v, want %v", ab, want)
	}
}

func TestTooSimilar(t *testing.T) {
	corpus := []string{
		"our product launch is live today check it out",
		"totally unrelated gardening tips for spring",
	}
	if !TooSimilar("Our product launch is LIVE today, check it out! https://x.co/1", corpus, DefaultThreshold) {
		t.Fatal("near-duplicate should be too similar")
	}
	if TooSimilar("weekly engineering notes volume twelve", corpus, DefaultThreshold) {
		t.Fatal("unrelated body should pass")
	}
	if TooSimilar("anything", nil, DefaultThreshold) {
		t.Fatal("empty corpus should pass")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Same TEXT here! #tag")
	b := Fingerprint("same text here tag")
	if a != b {
		t.Fatalf("fingerprints of normal-equal bodies differ: %s vs %s", a, b)
	}
	if len(a) != 24 {
		t.Fatalf("fingerprint length = %d, want 24", len(a))
	}
	if a == Fingerprint("different text entirely") {
		t.Fatal("distinct bodies should not collide")
	}
}
