package cortex

import (
	"fmt"
	"strings"
)

// splitMessage splits text into chunks no longer than limit, for sending
// as a sequence of Discord messages. Splits prefer paragraph boundaries
// ("\n\n"), then line boundaries ("\n"), and fall back to hard cuts at
// exactly limit when a single line is too long. The concatenation of the
// chunks, with the boundaries they were split on restored, reproduces
// the input text.
func splitMessage(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid chunk limit: %d", limit)
	}
	if len(text) <= limit {
		return []string{text}, nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunks = append(chunks, current.String())
		current.Reset()
	}

	appendPiece := func(piece string, separator string) {
		if current.Len() == 0 {
			current.WriteString(piece)
			return
		}
		if current.Len()+len(separator)+len(piece) <= limit {
			current.WriteString(separator)
			current.WriteString(piece)
			return
		}
		flush()
		current.WriteString(piece)
	}

	hardCut := func(piece string) {
		if current.Len() > 0 {
			flush()
		}
		for len(piece) > limit {
			chunks = append(chunks, piece[:limit])
			piece = piece[limit:]
		}
		current.WriteString(piece)
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		if len(paragraph) <= limit {
			appendPiece(paragraph, "\n\n")
			continue
		}
		for _, line := range strings.Split(paragraph, "\n") {
			if len(line) <= limit {
				appendPiece(line, "\n")
				continue
			}
			hardCut(line)
		}
	}
	if current.Len() > 0 || len(chunks) == 0 {
		flush()
	}
	return chunks, nil
}
