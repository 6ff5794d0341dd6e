package orchestrator

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/georgepadayatti/tstamp/internal/primitives"
)

// SubjectMarker is the fixed first line of every timestamp commit,
// spec.md §3's "fixed subject marker" used both to recognize a timestamp
// commit during ancestor walking and as the post-commit hook's recursion
// guard (§4.8).
const SubjectMarker = "[timestamp-seal]"

const (
	trailerTokenVersion = "Token-Version"
	trailerHashAlgo     = "Hash-Algo"
	trailerPreimage     = "Preimage"
	trailerDigest       = "Digest"
	trailerTimestamp    = "Timestamp"
)

// SealedToken pairs a TSA URL with the token obtained from it, ready to
// be rendered into a commit message trailer.
type SealedToken struct {
	TSAURL   string
	Token    *primitives.ParsedToken
	InfoLine string
}

// BuildMessage assembles a timestamp commit's message per spec.md §4.8:
// subject marker, version/algo/preimage/digest trailers, then one
// Timestamp: trailer per sealed token with space-indented continuation
// lines.
func BuildMessage(version int, hashAlgo, preimage, digestHex string, tokens []SealedToken) string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, SubjectMarker)
	fmt.Fprintf(&buf, "%s: %d\n", trailerTokenVersion, version)
	fmt.Fprintf(&buf, "%s: %s\n", trailerHashAlgo, hashAlgo)
	fmt.Fprintf(&buf, "%s: %s\n", trailerPreimage, preimage)
	fmt.Fprintf(&buf, "%s: %s\n", trailerDigest, digestHex)

	for _, st := range tokens {
		fmt.Fprintf(&buf, "%s: %s\n", trailerTimestamp, st.TSAURL)
		if st.InfoLine != "" {
			fmt.Fprintf(&buf, " %s\n", st.InfoLine)
		}
		fmt.Fprintf(&buf, " RFC3161 token, %d bytes\n", len(st.Token.Raw))
		fmt.Fprintln(&buf, " -----BEGIN RFC3161 TOKEN-----")
		for _, line := range wrapBase64(st.Token.Raw, 64) {
			fmt.Fprintf(&buf, " %s\n", line)
		}
		fmt.Fprintln(&buf, " -----END RFC3161 TOKEN-----")
	}

	return buf.String()
}

func wrapBase64(data []byte, width int) []string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += width {
		end := i + width
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return lines
}

// ParsedMessage is a timestamp commit message decoded back into its
// trailers and raw token DERs, for the validator walker (spec.md §4.9)
// and for round-trip property P5.
type ParsedMessage struct {
	Version   int
	HashAlgo  string
	Preimage  string
	DigestHex string
	Tokens    []ParsedTrailer
}

// ParsedTrailer is one Timestamp: trailer before its base64 body has been
// decoded and parsed as a token (decoding is deferred so a malformed
// decoy trailer, per boundary case B4, can be classified as "skipped"
// rather than "invalid").
type ParsedTrailer struct {
	TSAURL string
	Body   []byte // decoded DER, or nil if base64 decoding failed
}

// IsTimestampCommit reports whether message begins with SubjectMarker.
func IsTimestampCommit(message string) bool {
	return strings.HasPrefix(message, SubjectMarker)
}

// ParseMessage decodes a timestamp commit's message into its trailers.
// Unknown trailers are tolerated and ignored, per spec.md §6.
func ParseMessage(message string) (*ParsedMessage, error) {
	if !IsTimestampCommit(message) {
		return nil, fmt.Errorf("message does not begin with subject marker")
	}
	lines := strings.Split(message, "\n")
	pm := &ParsedMessage{}

	var current *ParsedTrailer
	var currentB64 strings.Builder
	var inBody bool
	flush := func() {
		if current == nil {
			return
		}
		if decoded, err := base64.StdEncoding.DecodeString(currentB64.String()); err == nil {
			current.Body = decoded
		}
		pm.Tokens = append(pm.Tokens, *current)
		current = nil
		currentB64.Reset()
		inBody = false
	}

	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, " "):
			body := strings.TrimPrefix(line, " ")
			switch body {
			case "-----BEGIN RFC3161 TOKEN-----":
				inBody = true
				continue
			case "-----END RFC3161 TOKEN-----":
				inBody = false
				continue
			}
			if current != nil && inBody {
				currentB64.WriteString(body)
			}
		case strings.HasPrefix(line, trailerTokenVersion+": "):
			flush()
			fmt.Sscanf(strings.TrimPrefix(line, trailerTokenVersion+": "), "%d", &pm.Version)
		case strings.HasPrefix(line, trailerHashAlgo+": "):
			flush()
			pm.HashAlgo = strings.TrimPrefix(line, trailerHashAlgo+": ")
		case strings.HasPrefix(line, trailerPreimage+": "):
			flush()
			pm.Preimage = strings.TrimPrefix(line, trailerPreimage+": ")
		case strings.HasPrefix(line, trailerDigest+": "):
			flush()
			pm.DigestHex = strings.TrimPrefix(line, trailerDigest+": ")
		case strings.HasPrefix(line, trailerTimestamp+": "):
			flush()
			current = &ParsedTrailer{TSAURL: strings.TrimPrefix(line, trailerTimestamp+": ")}
		default:
			// unknown trailer: tolerated, ignored.
		}
	}
	flush()

	return pm, nil
}
