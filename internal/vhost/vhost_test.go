package vhost

import "testing"

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":      "example.com",
		"www.example.com":  "example.com",
		"example.com:8443":  "example.com",
		"[::1]:8080":        "[::1]",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebrootFallback(t *testing.T) {
	tbl := NewTable("/var/www/default", map[string]string{"a.example.com": "/var/www/a"})
	if got := tbl.Webroot("A.Example.com"); got != "/var/www/a" {
		t.Fatalf("got %q", got)
	}
	if got := tbl.Webroot("unknown.example.com"); got != "/var/www/default" {
		t.Fatalf("got %q", got)
	}
}

func TestParseRuleLineRedirect(t *testing.T) {
	r, err := ParseRuleLine("301:/old:/new")
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != KindRedirect || r.Status != 301 || r.From != "/old" || r.To != "/new" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseRuleLineRewrite(t *testing.T) {
	r, err := ParseRuleLine("/api/*:/v2/api/*")
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != KindRewrite || r.From != "/api/*" {
		t.Fatalf("got %+v", r)
	}
}

func TestMatchWildcard(t *testing.T) {
	tbl := &Table{}
	tbl.SetRules([]Rule{{Kind: KindRewrite, From: "/api/*", To: "/v2/api/*"}})
	r, ok := tbl.Match("/api/users")
	if !ok || r.To != "/v2/api/users" {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
}
