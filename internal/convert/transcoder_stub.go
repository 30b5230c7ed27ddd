//go:build !govips || !cgo

package convert

// NewTranscoder returns nil: without libvips HEIC/HEIF input is rejected with
// ErrUnsupportedInput.
func NewTranscoder() Transcoder {
	return nil
}
