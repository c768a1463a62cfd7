package registry

import "testing"

func TestRegisterURLBuildParseRoundTrip(t *testing.T) {
	u := &RegisterURL{
		Transport:     "tcp",
		Host:          "127.0.0.1",
		Port:          8080,
		Service:       "Arith",
		Method:        "Add",
		Serializer:    "json",
		MaxBufferSize: 4096,
	}

	built := u.Build()
	parsed, err := ParseRegisterURL(built)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if *parsed != *u {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, u)
	}
}

func TestParseRegisterURLSkipsMalformed(t *testing.T) {
	cases := []string{
		"not-a-url-at-all",
		"tcp://127.0.0.1:8080/onlyservice",
		"tcp:///8080/Arith/Add",
	}
	for _, c := range cases {
		if _, err := ParseRegisterURL(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestGroupByRemoteKey(t *testing.T) {
	urls := []*RegisterURL{
		{Transport: "tcp", Host: "h1", Port: 1, Service: "Arith", Method: "Add", Serializer: "json"},
		{Transport: "tcp", Host: "h2", Port: 2, Service: "Arith", Method: "Add", Serializer: "json"},
		{Transport: "tcp", Host: "h3", Port: 3, Service: "Arith", Method: "Sub", Serializer: "json"},
	}
	groups := GroupByRemoteKey(urls)
	key := RemoteKey{Transport: "tcp", Path: "/Arith/Add", Serializer: "json"}
	if len(groups[key]) != 2 {
		t.Fatalf("expected 2 instances for %v, got %d", key, len(groups[key]))
	}
}
