//go:build !linux || !cgo

package device

import "context"

type UdevProvider struct{}

func NewUdevProvider() (*UdevProvider, error) {
	return nil, ErrUnsupported
}

func (*UdevProvider) ListDevices(context.Context) ([]Entry, error) {
	return nil, ErrUnsupported
}
