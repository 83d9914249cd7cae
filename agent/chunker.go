package agent

import "time"

// Chunk is one bounded slice of the message, tracked by the sender until it
// is cumulatively acknowledged.
type Chunk struct {
	Seq         int
	Plaintext   []byte
	SendTime    time.Time
	Retransmits int
}

// ChunkMessage splits a message into chunks of at most size bytes each.
func ChunkMessage(message []byte, size int) []*Chunk {
	var chunks []*Chunk
	for seq := 0; len(message) > 0; seq++ {
		end := size
		if end > len(message) {
			end = len(message)
		}
		plaintext := make([]byte, end)
		copy(plaintext, message[:end])
		chunks = append(chunks, &Chunk{Seq: seq, Plaintext: plaintext})
		message = message[end:]
	}
	return chunks
}
