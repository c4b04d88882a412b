package worker

// ChunkText splits value into fixed-size, non-overlapping runs of limit
// characters. An empty value yields no chunks. limit <= 0 yields the whole
// string as a single chunk.
func ChunkText(value string, limit int) []string {
	if value == "" {
		return nil
	}
	runes := []rune(value)
	if limit <= 0 || limit >= len(runes) {
		return []string{value}
	}
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
