//go:build !govips || !cgo

package export

func Startup() error {
	return nil
}

func Shutdown() {}

// NewEncoder returns the pure Go encoder: jpeg and png only.
func NewEncoder() Encoder {
	return stdEncoder{}
}
