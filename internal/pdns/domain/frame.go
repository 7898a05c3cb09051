package domain

import "time"

// CapturedFrame is one frame as delivered by the capture source: the
// capture header (timestamp, lengths) plus the raw link-layer bytes.
// Frames are immutable once created; the decoder consumes them and the
// buffer is not reused afterward.
type CapturedFrame struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
	Data          []byte
}

// FrameBatch is a non-empty run of frames handed to the pipeline in one
// delivery. Batching amortizes channel traffic between the capture
// goroutine and the decode stage.
type FrameBatch []CapturedFrame
