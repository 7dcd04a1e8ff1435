package urlvalidate

import "testing"

func TestValidateRejectsNonHTTPS(t *testing.T) {
	if err := Validate("http://example.com/file", nil); err == nil {
		t.Fatal("expected http scheme to be rejected")
	}
}

func TestValidateAcceptsHTTPSWithNoAllowlist(t *testing.T) {
	if err := Validate("https://example.com/file", nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateAllowlistExactAndSubdomain(t *testing.T) {
	allow := []string{"example.com"}
	if err := Validate("https://example.com/file", allow); err != nil {
		t.Fatalf("expected exact host match to pass, got %v", err)
	}
	if err := Validate("https://cdn.example.com/file", allow); err != nil {
		t.Fatalf("expected subdomain to pass, got %v", err)
	}
	if err := Validate("https://evilexample.com/file", allow); err == nil {
		t.Fatal("expected a host that merely contains the suffix as a substring to be rejected")
	}
	if err := Validate("https://other.org/file", allow); err == nil {
		t.Fatal("expected a non-allowlisted host to be rejected")
	}
}

func TestValidateRejectsMalformedURL(t *testing.T) {
	if err := Validate("://not a url", nil); err == nil {
		t.Fatal("expected malformed URL to be rejected")
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	if err := Validate("https:///path", nil); err == nil {
		t.Fatal("expected missing host to be rejected")
	}
}

func TestWorkersBounds(t *testing.T) {
	cases := []struct {
		n   int
		ok  bool
	}{
		{0, false},
		{1, true},
		{30, true},
		{31, false},
		{-1, false},
	}
	for _, c := range cases {
		err := Workers(c.n)
		if c.ok && err != nil {
			t.Errorf("Workers(%d): expected ok, got %v", c.n, err)
		}
		if !c.ok && err == nil {
			t.Errorf("Workers(%d): expected error, got nil", c.n)
		}
	}
}
