package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"peercache/internal/stream"
)

// Signature is a parsed hs2019 signature header value.
type Signature struct {
	KeyID     string
	Algorithm string
	Created   string
	Expires   string
	Headers   string
	Signature string
}

// hasCommaInQuotes reports a comma inside a quoted argument, which the
// simple splitter below cannot handle.
func hasCommaInQuotes(s string) bool {
	quotes := 0
	for _, c := range s {
		if c == '"' {
			quotes++
			continue
		}
		if c == ',' && quotes%2 != 0 {
			return true
		}
	}
	return false
}

// ParseSignature parses a signature header value of the form
// keyId="...",algorithm="...",created=N,headers="...",signature="...".
func ParseSignature(s string) (Signature, bool) {
	if hasCommaInQuotes(s) {
		return Signature{}, false
	}

	sig := Signature{Headers: "(created)"} // missing is not the same as empty
	for _, item := range strings.Split(s, ",") {
		key, value, _ := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		switch key {
		case "created":
			sig.Created = value
			continue
		case "expires":
			sig.Expires = value
			continue
		}
		if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
			return Signature{}, false
		}
		value = value[1 : len(value)-1]
		switch key {
		case "keyId":
			sig.KeyID = value
		case "algorithm":
			sig.Algorithm = value
		case "headers":
			sig.Headers = value
		case "signature":
			sig.Signature = value
		default:
			return Signature{}, false
		}
	}
	if sig.KeyID == "" || sig.Signature == "" {
		return Signature{}, false
	}
	return sig, true
}

// sigStringFromFields builds the signing string and the covered-header
// list: the "(response-status)" and "(created)" pseudo-headers first,
// then each header in first-appearance order, names lowercased, values
// trimmed and comma-joined for repeats.
func sigStringFromFields(status int, created string, fields stream.Fields) (string, string) {
	type entry struct {
		name  string
		value string
	}
	entries := []entry{
		{"(response-status)", strconv.Itoa(status)},
		{"(created)", created},
	}
	index := make(map[string]int)

	for _, f := range fields {
		name := strings.ToLower(f.Name)
		value := strings.TrimSpace(f.Value)
		if i, ok := index[name]; ok {
			entries[i].value += ", " + value
			continue
		}
		index[name] = len(entries)
		entries = append(entries, entry{name, value})
	}

	var sigString, headers strings.Builder
	for i, e := range entries {
		if i > 0 {
			sigString.WriteByte('\n')
			headers.WriteByte(' ')
		}
		sigString.WriteString(e.name)
		sigString.WriteString(": ")
		sigString.WriteString(e.value)
		headers.WriteString(e.name)
	}
	return sigString.String(), headers.String()
}

// SignHead produces a signature header value covering the given head.
func SignHead(head stream.Head, sk ed25519.PrivateKey, keyID string, ts int64) string {
	created := strconv.FormatInt(ts, 10)
	sigString, headers := sigStringFromFields(head.Status, created, head.Fields)
	sig := ed25519.Sign(sk, []byte(sigString))
	return fmt.Sprintf(`keyId="%s",algorithm="%s",created=%s,headers="%s",signature="%s"`,
		keyID, sigAlgorithm, created, headers, base64.StdEncoding.EncodeToString(sig))
}

// Verify checks the signature against head. On success it also returns
// the set of lowercase header names the signature covers.
func (sig Signature) Verify(head stream.Head, pk ed25519.PublicKey) (bool, map[string]bool) {
	type entry struct {
		name  string
		value string
	}
	var entries []entry
	covered := make(map[string]bool)

	for _, name := range strings.Fields(sig.Headers) {
		if name[0] != '(' {
			// A listed header missing from the head fails verification;
			// an empty one is fine.
			values := head.Fields.Values(name)
			if values == nil {
				return false, nil
			}
			for i := range values {
				values[i] = strings.TrimSpace(values[i])
			}
			entries = append(entries, entry{name, strings.Join(values, ", ")})
			covered[strings.ToLower(name)] = true
			continue
		}
		switch name {
		case "(response-status)":
			entries = append(entries, entry{name, strconv.Itoa(head.Status)})
		case "(created)":
			entries = append(entries, entry{name, sig.Created})
		case "(expires)":
			entries = append(entries, entry{name, sig.Expires})
		default:
			return false, nil
		}
	}

	var sigString strings.Builder
	for i, e := range entries {
		if i > 0 {
			sigString.WriteByte('\n')
		}
		sigString.WriteString(e.name)
		sigString.WriteString(": ")
		sigString.WriteString(e.value)
	}

	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false, nil
	}
	if !ed25519.Verify(pk, []byte(sigString.String()), raw) {
		return false, nil
	}
	return true, covered
}
