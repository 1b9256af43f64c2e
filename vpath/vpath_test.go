package vpath

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "."},
		{".", "."},
		{"./", "./"},
		{"/", "/"},
		{"//", "/"},
		{"/a/b/../c", "/a/c"},
		{"/a/./b/", "/a/b/"},
		{"/../../a", "/a"},
		{"a/../..", ".."},
		{"../a/../../b", "../../b"},
		{"a//b///c", "a/b/c"},
		{"a/b/..", "a"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"", ".", "./", "/", "a", "a/", "/a/b/../c/", "../..", "x/./y/../../..",
		"//a//b//", "/..", "./a/./b/.", "a/b/c/../../../../d",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestDirBase(t *testing.T) {
	tests := []struct {
		in, dir, base string
	}{
		{"/", "/", "/"},
		{"/a", "/", "a"},
		{"/a/b", "/a", "b"},
		{"/a/b/", "/a", "b"},
		{"a", ".", "a"},
		{"a/b", "a", "b"},
	}
	for _, tt := range tests {
		if got := Dir(tt.in); got != tt.dir {
			t.Errorf("Dir(%q) = %q, want %q", tt.in, got, tt.dir)
		}
		if got := Base(tt.in); got != tt.base {
			t.Errorf("Base(%q) = %q, want %q", tt.in, got, tt.base)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/a", "b", "../c"); got != "/a/c" {
		t.Errorf("Join = %q", got)
	}
	if got := Join2("/", "tmp"); got != "/tmp" {
		t.Errorf("Join2 = %q", got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		cwd  string
		segs []string
		want string
	}{
		{"/", []string{"a"}, "/a"},
		{"/home", []string{"a", "b"}, "/home/a/b"},
		{"/home", []string{"/x", "y"}, "/x/y"},
		{"/home", []string{"a", "/x"}, "/x"},
		{"/home", []string{"", "a"}, "/home/a"},
		{"/home", nil, "/home"},
		{"/home/u", []string{".."}, "/home"},
		{"/", []string{"../.."}, "/"},
		{"", []string{"a", ".."}, "."},
		{"/a/", []string{"b/"}, "/a/b"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.cwd, tt.segs...); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.cwd, tt.segs, got, tt.want)
		}
	}
}

func TestRelative(t *testing.T) {
	tests := []struct {
		from, to, want string
	}{
		{"/a/b", "/a/b", ""},
		{"/a/b", "/a/c", "../c"},
		{"/a", "/a/b/c", "b/c"},
		{"/a/b/c", "/a", "../.."},
		{"/x", "/", ".."},
		{"/", "/y", "y"},
	}
	for _, tt := range tests {
		if got := Relative("/", tt.from, tt.to); got != tt.want {
			t.Errorf("Relative(%q, %q) = %q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		base, target string
		want         bool
	}{
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/a/.hidden", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.base, tt.target); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.base, tt.target, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	got := Split("//a/b//c/")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Split = %q", got)
	}
}
