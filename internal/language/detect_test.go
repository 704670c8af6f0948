package language

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		in   string
		want Tag
	}{
		{"Tell me about the RV400", English},
		{"RV400 के बारे में बताइए", Hindi},
		{"नमस्ते", Hindi},
		{"price is 1.2 lakh।", English},
		{"danda only ।", Hindi},
		{"", English},
		{"Bataiye RV400 ki keemat", English},
		{"ꣲ", Hindi},
	}
	for _, tc := range cases {
		if got := Detect(tc.in); got != tc.want {
			t.Fatalf("Detect(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDetectAllASCIIIsEnglish(t *testing.T) {
	for r := rune(0); r < 0x80; r++ {
		if got := Detect(string([]rune{'a', r, 'z'})); got != English {
			t.Fatalf("Detect with rune %U = %q, want en", r, got)
		}
	}
}

func TestDetectAnyDevanagariRuneIsHindi(t *testing.T) {
	for r := rune(0x0900); r <= 0x097F; r++ {
		if got := Detect("hello " + string(r) + " world"); got != Hindi {
			t.Fatalf("Detect with rune %U = %q, want hi", r, got)
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Tag
		ok   bool
	}{
		{"en", English, true},
		{"hi-IN", Hindi, true},
		{"en_US", English, true},
		{"HI", Hindi, true},
		{"fr", Unknown, false},
		{"", Unknown, false},
		{"not a tag!", Unknown, false},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Parse(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolvePrefersDetected(t *testing.T) {
	if got := Resolve("hi", "en"); got != Hindi {
		t.Fatalf("expected detected language to win, got %q", got)
	}
	if got := Resolve("", "hi"); got != Hindi {
		t.Fatalf("expected display language fallback, got %q", got)
	}
	if got := Resolve("", ""); got != Default {
		t.Fatalf("expected default fallback, got %q", got)
	}
	if got := Resolve("xx", "yy"); got != Default {
		t.Fatalf("expected default fallback for unsupported codes, got %q", got)
	}
}

func TestLocale(t *testing.T) {
	if Hindi.Locale() != "hi-IN" || English.Locale() != "en-US" {
		t.Fatalf("unexpected locales %q %q", Hindi.Locale(), English.Locale())
	}
}
