package transfer

// Progress is a single progress tick reported by the transport.
type Progress struct {
	BytesWritten       int64 // bytes received since the previous tick
	TotalBytesWritten  int64 // bytes received so far
	TotalBytesExpected int64 // -1 when the remote size is unknown
}

// Fraction returns the completed share in [0, 1], or 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.TotalBytesExpected <= 0 {
		return 0
	}

	f := float64(p.TotalBytesWritten) / float64(p.TotalBytesExpected)
	if f > 1 {
		return 1
	}

	return f
}
