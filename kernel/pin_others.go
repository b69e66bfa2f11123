//go:build !linux

package kernel

import "fmt"

func LoadPinned(dir string) (*Objects, error) {
	return nil, fmt.Errorf("Not implemented")
}
