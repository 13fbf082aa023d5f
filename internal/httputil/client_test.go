package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient_SetsUserAgent(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.UserAgent())
	}))
	defer srv.Close()

	client := NewClient("")
	if client.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", client.Timeout)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "custom")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(got) != 2 || got[0] != DefaultUserAgent || got[1] != "custom" {
		t.Errorf("user agents = %v", got)
	}
}
