package charset

import (
	"reflect"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"uppercases", "the quick", "THE QUICK"},
		{"drops punctuation", "a-b, c!", "AB C"},
		{"drops digits and newlines", "x1\ny2", "XY"},
		{"empty", "", ""},
		{"non ascii dropped", "café", "CAF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIndexSymbolRoundTrip(t *testing.T) {
	for id := 0; id < Size; id++ {
		if got := Index(Symbol(id)); got != id {
			t.Errorf("Index(Symbol(%d)) = %d", id, got)
		}
	}
	if Index('a') != -1 {
		t.Errorf("lowercase should be outside the alphabet")
	}
}

func TestWindow(t *testing.T) {
	got := Window("ab", 4)
	want := []int{Size - 1, Size - 1, 0, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Window padded = %v, want %v", got, want)
	}

	got = Window("ABCDEF", 3)
	want = []int{3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Window truncated = %v, want %v", got, want)
	}
}
