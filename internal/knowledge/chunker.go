// Package knowledge implements the indexing and retrieval pipeline: fixed
// window chunking, incremental source scanning, a pure-Go vector index, and
// the hybrid retriever behind ask_project_rag.
package knowledge

// Chunks splits text into fixed windows of window runes with overlap runes
// shared between neighbors. The last chunk may be shorter. overlap is
// clamped to [0, window).
func Chunks(text string, window, overlap int) []string {
	if window <= 0 {
		window = 800
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= window {
		overlap = window - 1
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := window - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
