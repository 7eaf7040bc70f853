package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_Stable(t *testing.T) {
	urls := []string{"https://a.com", "https://a.com/x?y=1", "http://www.b.org/", "1", ""}
	for _, u := range urls {
		assert.Equal(t, Hash(u), Hash(u), u)
	}

	assert.Equal(t, uint32(Hash("https://a.com")>>32), DomainHash("a.com"))
	assert.NotEqual(t, Hash("https://a.com/1"), Hash("https://a.com/2"))
}

func TestHash_DomainPrefix(t *testing.T) {
	a1 := Hash("https://a.com/page1")
	a2 := Hash("http://A.com:8080/page2")
	b := Hash("https://b.com/page1")

	assert.Equal(t, a1>>32, a2>>32, "same host must share the high half")
	assert.NotEqual(t, a1>>32, b>>32)
}

func TestDomain(t *testing.T) {
	tests := map[string]string{
		"https://Example.COM/path":    "example.com",
		"http://example.com:8080/":    "example.com",
		"http://[::1]:80/":            "::1",
		"relative/path":               "",
		"://bad":                      "",
		"https://sub.example.co.uk/x": "sub.example.co.uk",
	}
	for in, want := range tests {
		assert.Equal(t, want, Domain(in), in)
	}
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "example.co.uk", RegistrableDomain("https://a.b.example.co.uk/x"))
	assert.Equal(t, "example.com", RegistrableDomain("http://www.example.com"))
	assert.Equal(t, "127.0.0.1", RegistrableDomain("http://127.0.0.1:8000/"))
	assert.Equal(t, "", RegistrableDomain("no-host"))
}
