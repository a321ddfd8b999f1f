package utils

import (
	"path/filepath"
	"reflect"
	"testing"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare_cid_v0", testCID, testCID, false},
		{"bare_cid_v1", "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", false},
		{"ipfs_uri", "ipfs://" + testCID, testCID, false},
		{"gateway_url", "https://gateway.pinata.cloud/ipfs/" + testCID, testCID, false},
		{"gateway_url_with_path", "https://gateway.pinata.cloud/ipfs/" + testCID + "/cover.png", testCID, false},
		{"empty", "", "", true},
		{"not_ipfs_path", "https://example.com/files/" + testCID, "", true},
		{"garbage", "hello", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"gateway.pinata.cloud", "https://gateway.pinata.cloud/ipfs/" + testCID},
		{"https://gateway.pinata.cloud/", "https://gateway.pinata.cloud/ipfs/" + testCID},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080/ipfs/" + testCID},
	}

	for _, tt := range tests {
		if got := GatewayURL(tt.host, testCID); got != tt.want {
			t.Errorf("GatewayURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestLocalReferences_Resolve(t *testing.T) {
	refs := NewLocalReferences("http://localhost:3001/uploads", "/srv/uploads")

	tests := []struct {
		name     string
		ref      string
		fileName string
		want     string
	}{
		{"plain", "http://localhost:3001/uploads/cover.png", "", filepath.Join("/srv/uploads", "cover.png")},
		{"percent_encoded", "http://localhost:3001/uploads/my%20map.png", "", filepath.Join("/srv/uploads", "my map.png")},
		{"fallback_to_file_name", "/static/elsewhere.png", "stored.png", filepath.Join("/srv/uploads", "stored.png")},
		{"traversal_is_contained", "http://localhost:3001/uploads/../../etc/passwd", "", filepath.Join("/srv/uploads", "etc", "passwd")},
		{"nothing_to_resolve", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := refs.Resolve(tt.ref, tt.fileName); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.ref, tt.fileName, got, tt.want)
			}
		})
	}
}

func TestLocalReferences_Find(t *testing.T) {
	refs := NewLocalReferences("http://localhost:3001/uploads/", "uploads")
	body := `<p>Intro</p><img src="http://localhost:3001/uploads/a.png"> and ![map](http://localhost:3001/uploads/b%20c.jpg) plus https://cdn.example.com/x.png`

	got := refs.Find(body)
	want := []string{"http://localhost:3001/uploads/a.png", "http://localhost:3001/uploads/b%20c.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Find() = %v, want %v", got, want)
	}
	if !refs.Contains(body) {
		t.Error("Contains should be true")
	}
	if refs.Contains(`<img src="https://gateway.pinata.cloud/ipfs/` + testCID + `">`) {
		t.Error("Contains should be false for gateway URLs")
	}
}

func TestDecode(t *testing.T) {
	if got := Decode("a%20b.png"); got != "a b.png" {
		t.Errorf("Decode = %q", got)
	}
	if got := Decode("100%.png"); got != "100%.png" {
		t.Errorf("invalid escapes should be returned unchanged, got %q", got)
	}
}

func TestLocalReferences_ReplaceAll(t *testing.T) {
	refs := NewLocalReferences("http://localhost:3001/uploads", "uploads")
	body := `<img src="http://localhost:3001/uploads/a.png"><img src="http://localhost:3001/uploads/b.png">`

	got := refs.ReplaceAll(body, func(ref string) string {
		if ref == "http://localhost:3001/uploads/a.png" {
			return "https://gateway/ipfs/A"
		}
		return ref
	})
	want := `<img src="https://gateway/ipfs/A"><img src="http://localhost:3001/uploads/b.png">`
	if got != want {
		t.Errorf("ReplaceAll = %q, want %q", got, want)
	}
}
