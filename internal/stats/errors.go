package stats

// Errors counts per-connection failures by category. Every category is
// recovered locally by reconnecting; the counts only feed the report.
type Errors struct {
	Connect uint64
	Read    uint64
	Write   uint64
	Status  uint64
	Timeout uint64
}

func (e *Errors) Add(o Errors) {
	e.Connect += o.Connect
	e.Read += o.Read
	e.Write += o.Write
	e.Status += o.Status
	e.Timeout += o.Timeout
}

// Socket returns the errors that are not HTTP status errors.
func (e Errors) Socket() uint64 {
	return e.Connect + e.Read + e.Write + e.Timeout
}

func (e Errors) Total() uint64 {
	return e.Socket() + e.Status
}
