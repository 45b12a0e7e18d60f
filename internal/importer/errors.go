package importer

import "fmt"

// ImportError is a per-record failure. It never aborts the chunk.
type ImportError struct {
	Index         int
	VendorOrderID string
	OrderNumber   string
	Err           error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import order %d (vendor id %q, number %q): %v", e.Index, e.VendorOrderID, e.OrderNumber, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// ValidationError marks a record that was skipped because its payload is
// unusable, for example when it carries no identifier.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order %d skipped: %s", e.Index, e.Reason)
}
