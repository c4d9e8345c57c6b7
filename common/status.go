package common

//go:generate go run github.com/dmarkham/enumer -json -type Status -trimprefix Status

// Status of a chip (or a job) reported in events
type Status int

const (
	StatusPENDING Status = iota
	StatusDONE
	StatusSKIPPED
	StatusRETRY
	StatusFAILED
	StatusCANCELLED
)
