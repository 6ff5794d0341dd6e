package orchestrator

import (
	"testing"

	"github.com/georgepadayatti/tstamp/internal/primitives"
)

func TestBuildAndParseMessageRoundTrip(t *testing.T) {
	tokens := []SealedToken{
		{TSAURL: "https://tsa1.example.com", Token: &primitives.ParsedToken{Raw: []byte("token-one-bytes")}},
		{TSAURL: "https://tsa2.example.com", Token: &primitives.ParsedToken{Raw: []byte("token-two-bytes-longer-than-one-line-so-it-wraps-across-several-base64-lines")}},
	}
	message := BuildMessage(1, "sha256", "parent:aa,tree:bb", "cc", tokens)

	if !IsTimestampCommit(message) {
		t.Fatalf("IsTimestampCommit() = false, want true")
	}

	pm, err := ParseMessage(message)
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	if pm.Version != 1 {
		t.Fatalf("Version = %d, want 1", pm.Version)
	}
	if pm.HashAlgo != "sha256" {
		t.Fatalf("HashAlgo = %q, want sha256", pm.HashAlgo)
	}
	if pm.Preimage != "parent:aa,tree:bb" {
		t.Fatalf("Preimage = %q, want parent:aa,tree:bb", pm.Preimage)
	}
	if pm.DigestHex != "cc" {
		t.Fatalf("DigestHex = %q, want cc", pm.DigestHex)
	}
	if len(pm.Tokens) != 2 {
		t.Fatalf("len(Tokens) = %d, want 2", len(pm.Tokens))
	}
	for i, want := range tokens {
		if pm.Tokens[i].TSAURL != want.TSAURL {
			t.Fatalf("Tokens[%d].TSAURL = %q, want %q", i, pm.Tokens[i].TSAURL, want.TSAURL)
		}
		if string(pm.Tokens[i].Body) != string(want.Token.Raw) {
			t.Fatalf("Tokens[%d].Body = %q, want %q", i, pm.Tokens[i].Body, want.Token.Raw)
		}
	}
}

func TestIsTimestampCommitRejectsUnrelatedMessage(t *testing.T) {
	if IsTimestampCommit("fix: unrelated change\n") {
		t.Fatalf("IsTimestampCommit() = true, want false")
	}
}

func TestParseMessageToleratesUnknownTrailer(t *testing.T) {
	message := SubjectMarker + "\n" +
		"Token-Version: 1\n" +
		"Hash-Algo: sha256\n" +
		"Preimage: parent:aa,tree:bb\n" +
		"Digest: cc\n" +
		"Signed-off-by: Someone <someone@example.com>\n"

	pm, err := ParseMessage(message)
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	if pm.DigestHex != "cc" {
		t.Fatalf("DigestHex = %q, want cc", pm.DigestHex)
	}
	if len(pm.Tokens) != 0 {
		t.Fatalf("len(Tokens) = %d, want 0", len(pm.Tokens))
	}
}
