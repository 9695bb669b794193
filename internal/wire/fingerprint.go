package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Fingerprint digests the normalized request: script and tapset bytes in
// sorted path order, the ordered argument list, and the target system tag.
// Identical fingerprints must yield identical responses; this is the cache
// key. Locale and protocol version do not participate: they affect message
// wording, not the compiled artifact.
func (r *Request) Fingerprint() string {
	h := sha256.New()

	names := make([]string, 0, len(r.Files))
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "file %s %d\n", name, len(r.Files[name]))
		h.Write(r.Files[name])
	}

	for _, arg := range r.Args {
		fmt.Fprintf(h, "arg %d\n", len(arg))
		h.Write([]byte(arg))
	}

	fmt.Fprintf(h, "sysinfo %s\n", r.Sysinfo.Tag())

	return hex.EncodeToString(h.Sum(nil))
}
