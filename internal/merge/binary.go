package merge

// binarySampleSize bounds how many leading bytes are inspected when deciding
// whether content is binary.
const binarySampleSize = 8192

// IsBinary reports whether content looks like binary data: a NUL byte in the
// sample, or more than 30% non-printable bytes. Binary files are never line
// merged; conflicting binary changes surface as whole-file conflicts.
func IsBinary(content []byte) bool {
	sample := content
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
	}
	if len(sample) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b != '\n' && b != '\r' && b != '\t' && (b < 32 || b > 126) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) > 0.3
}
