package email

import (
	"bytes"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// ExtractReferences parses the References and In-Reply-To headers from raw
// message header bytes and returns the normalized referenced Message-IDs,
// In-Reply-To first. Malformed headers yield nil rather than an error.
func ExtractReferences(raw []byte) []MessageId {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		return nil
	}

	var refs []MessageId
	seen := make(map[MessageId]struct{})

	appendId := func(value string) {
		if mid, ok := ParseMessageId(value); ok {
			if _, dup := seen[mid]; !dup {
				seen[mid] = struct{}{}
				refs = append(refs, mid)
			}
		}
	}

	if inReplyTo := entity.Header.Get("In-Reply-To"); inReplyTo != "" {
		appendId(inReplyTo)
	}

	// References holds whitespace-separated Message-IDs: <a@x> <b@y>
	if refsHeader := entity.Header.Get("References"); refsHeader != "" {
		for _, part := range strings.Fields(refsHeader) {
			if strings.HasPrefix(part, "<") && strings.HasSuffix(part, ">") {
				appendId(part)
			}
		}
	}

	return refs
}
