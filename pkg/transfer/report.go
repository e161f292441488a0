package transfer

// Report summarizes a completed mirroring session. Sessions that encounter
// per-file failures still complete and report them here, so callers should
// inspect Failures even when Mirror returns a nil error.
type Report struct {
	// Session is a unique identifier for the session.
	Session string
	// Entries is the total number of entries in the server's file list.
	Entries int
	// RegularFiles is the number of regular files in the server's file list.
	RegularFiles int
	// Transferred is the number of regular files reconstructed.
	Transferred int
	// Skipped is the number of regular files that were already up to date.
	Skipped int
	// Failures records the files that couldn't be mirrored.
	Failures []*FileError
	// ListErrors is the server's file list error indicator. It is nonzero
	// when the server's filesystem walk was incomplete, in which case the
	// received list may be missing entries.
	ListErrors int32
	// LiteralData is the number of literal data bytes received in delta
	// streams.
	LiteralData uint64
	// MatchedData is the number of bytes reconstructed from local bases
	// rather than transferred.
	MatchedData uint64
	// BytesSent is the total number of bytes written to the connection.
	BytesSent uint64
	// BytesReceived is the total number of bytes read from the connection.
	BytesReceived uint64
	// ServerBytesRead is the server's count of bytes it read from the
	// connection.
	ServerBytesRead int64
	// ServerBytesWritten is the server's count of bytes it wrote to the
	// connection.
	ServerBytesWritten int64
	// TotalSize is the server's count of total file content bytes in the
	// transfer.
	TotalSize int64
}

// Speedup returns the ratio of transferred content size to bytes actually
// exchanged on the wire, the figure that stock clients print as "speedup".
// It returns 0 if no bytes were exchanged.
func (r *Report) Speedup() float64 {
	exchanged := r.BytesSent + r.BytesReceived
	if exchanged == 0 {
		return 0
	}
	return float64(r.TotalSize) / float64(exchanged)
}
